package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"chanfs/internal/chunk"
	"chanfs/internal/common"
	"chanfs/internal/ledger"
	"chanfs/internal/vfs"
)

// rewrite is one record moved to a new path.
type rewrite struct {
	entry   vfs.Entry
	newPath string
	newID   string
}

// Move renames src to dst. dst must be free and its parent must exist.
// Moving a folder rewrites the record of every node below it, since records
// carry absolute parent paths; if any rewrite fails the finished ones are
// rolled back and the tree is left untouched.
func (s *Service) Move(ctx context.Context, src, dst string) error {
	src = common.NormalizePath(src)
	dst = common.NormalizePath(dst)
	if src == "" {
		return fmt.Errorf("move root: %w", common.ErrInvalidOperation)
	}
	if src != dst && common.IsWithin(dst, src) {
		return fmt.Errorf("move %s into itself: %w", common.AbsPath(src), common.ErrInvalidOperation)
	}
	if dst == "" {
		return fmt.Errorf("move onto root: %w", common.ErrExists)
	}
	if !common.ValidName(common.BaseName(dst)) {
		return fmt.Errorf("%q: %w", dst, common.ErrInvalidPath)
	}

	unlock, err := s.locks.Lock(ctx, src, dst)
	if err != nil {
		return err
	}
	defer unlock()

	tree := s.currentTree()
	e, err := tree.Resolve(src)
	if err != nil {
		return err
	}
	if src == dst {
		return nil
	}
	if s.opts.Filter.Excluded(dst, e.Dir) {
		return fmt.Errorf("%s is excluded from writes: %w", common.AbsPath(dst), common.ErrInvalidOperation)
	}
	if err := s.checkParent(tree, dst); err != nil {
		return err
	}
	if _, err := tree.Resolve(dst); err == nil {
		return fmt.Errorf("%s: %w", common.AbsPath(dst), common.ErrExists)
	} else if !errors.Is(err, common.ErrNotFound) {
		return err
	}

	var entries []vfs.Entry
	if err := tree.Walk(src, vfs.PreOrder, func(e vfs.Entry) error {
		entries = append(entries, e)
		return nil
	}); err != nil {
		return err
	}

	done := make([]rewrite, 0, len(entries))
	for _, e := range entries {
		rw := rewrite{entry: e, newPath: dst + strings.TrimPrefix(e.Path, src)}
		rw.newID, err = s.ledger.Persist(ctx, recordFor(rw.newPath, e))
		if err != nil {
			s.rollback(tree, done)
			return fmt.Errorf("move %s: %w", common.AbsPath(src), err)
		}
		done = append(done, rw)
	}

	if err := tree.Move(src, dst); err != nil {
		s.rollback(tree, done)
		return err
	}
	for _, rw := range done {
		if rw.newID == rw.entry.RecordID {
			continue
		}
		id := rw.newID
		if _, err := tree.Update(rw.newPath, func(m *vfs.Meta) { m.RecordID = id }); err != nil {
			log.WithField("path", common.AbsPath(rw.newPath)).Warnf("service: record id not updated: %v", err)
		}
	}

	log.WithFields(log.Fields{
		"src":     common.AbsPath(src),
		"dst":     common.AbsPath(dst),
		"records": len(done),
	}).Debug("service: moved")
	return nil
}

// MoveReplace renames the file src onto the existing file dst. src's record
// is rewritten at dst and the tree node swapped before dst's old record is
// retracted and its chunks released, so a failure at any earlier step
// leaves both files as they were.
func (s *Service) MoveReplace(ctx context.Context, src, dst string) error {
	src = common.NormalizePath(src)
	dst = common.NormalizePath(dst)
	if src == "" || dst == "" || src == dst {
		return fmt.Errorf("replace %s with %s: %w", common.AbsPath(dst), common.AbsPath(src), common.ErrInvalidOperation)
	}

	unlock, err := s.locks.Lock(ctx, src, dst)
	if err != nil {
		return err
	}
	defer unlock()

	tree := s.currentTree()
	e, err := tree.Resolve(src)
	if err != nil {
		return err
	}
	if e.Dir {
		return fmt.Errorf("%s: %w", common.FolderPath(src), common.ErrIsDir)
	}
	old, err := tree.Resolve(dst)
	if err != nil {
		return err
	}
	if old.Dir {
		return fmt.Errorf("%s: %w", common.FolderPath(dst), common.ErrIsDir)
	}
	if s.opts.Filter.Excluded(dst, false) {
		return fmt.Errorf("%s is excluded from writes: %w", common.AbsPath(dst), common.ErrInvalidOperation)
	}

	id, err := s.ledger.Persist(ctx, recordFor(dst, e))
	if err != nil {
		return fmt.Errorf("move %s: %w", common.AbsPath(src), err)
	}
	if _, err := tree.MoveOver(src, dst); err != nil {
		s.rollback(tree, []rewrite{{entry: e, newPath: dst, newID: id}})
		return err
	}
	if id != e.RecordID {
		if _, err := tree.Update(dst, func(m *vfs.Meta) { m.RecordID = id }); err != nil {
			log.WithField("path", common.AbsPath(dst)).Warnf("service: record id not updated: %v", err)
		}
	}
	s.updateTreeMetrics()

	if err := s.ledger.Retract(ctx, old.RecordID); err != nil {
		log.WithFields(log.Fields{
			"record": old.RecordID,
			"path":   common.AbsPath(dst),
		}).Warnf("service: replaced record not retracted: %v", err)
	}
	s.store.DeleteAsync(old.Manifest)

	log.WithFields(log.Fields{
		"src": common.AbsPath(src),
		"dst": common.AbsPath(dst),
	}).Debug("service: moved over existing file")
	return nil
}

// rollback restores the records of a failed move, newest first. Records
// created for folders that had none are retracted.
func (s *Service) rollback(tree *vfs.Tree, done []rewrite) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	for i := len(done) - 1; i >= 0; i-- {
		rw := done[i]
		if rw.entry.RecordID == "" {
			if err := s.ledger.Retract(ctx, rw.newID); err != nil {
				log.WithField("record", rw.newID).Warnf("service: rollback retract failed: %v", err)
			}
			continue
		}
		restore := rw.entry
		restore.RecordID = rw.newID
		id, err := s.ledger.Persist(ctx, recordFor(restore.Path, restore))
		if err != nil {
			log.WithFields(log.Fields{
				"record": rw.newID,
				"path":   restore.AbsPath(),
			}).Errorf("service: rollback failed, record left at new path: %v", err)
			continue
		}
		if id != rw.entry.RecordID {
			tree.Update(restore.Path, func(m *vfs.Meta) { m.RecordID = id })
		}
	}
}

// Delete removes p and everything below it, deepest first. Each file's
// record is retracted and its chunks deleted before its node goes, so a
// failure leaves the remaining subtree consistent and Delete can be
// repeated.
func (s *Service) Delete(ctx context.Context, p string) error {
	p = common.NormalizePath(p)
	if p == "" {
		return fmt.Errorf("delete root: %w", common.ErrInvalidOperation)
	}
	unlock, err := s.locks.Lock(ctx, p)
	if err != nil {
		return err
	}
	defer unlock()

	tree := s.currentTree()
	removed := 0
	err = tree.Walk(p, vfs.PostOrder, func(e vfs.Entry) error {
		if err := s.ledger.Retract(ctx, e.RecordID); err != nil {
			return err
		}
		if !e.Dir {
			s.store.Delete(ctx, e.Manifest)
		}
		if _, err := tree.Remove(e.Path); err != nil && !errors.Is(err, common.ErrNotFound) {
			return err
		}
		removed++
		return nil
	})
	if removed > 0 {
		s.updateTreeMetrics()
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", common.AbsPath(p), err)
	}
	log.WithFields(log.Fields{"path": common.AbsPath(p), "nodes": removed}).Debug("service: deleted")
	return nil
}

// PruneDuplicates retracts records shadowed during Load and deletes the
// chunks only they reference. It returns the number retracted.
func (s *Service) PruneDuplicates(ctx context.Context, dups []*ledger.Record) (int, error) {
	// Record and chunk message IDs come from different channels and may
	// collide, so they are tracked apart.
	liveRecords := make(map[string]bool)
	liveChunks := make(map[string]bool)
	err := s.Walk("", vfs.PreOrder, func(e vfs.Entry) error {
		if e.RecordID != "" {
			liveRecords[e.RecordID] = true
		}
		for _, ref := range e.Manifest {
			liveChunks[ref.MessageID] = true
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	pruned := 0
	for _, rec := range dups {
		if liveRecords[rec.ID] {
			continue
		}
		if err := s.ledger.Retract(ctx, rec.ID); err != nil {
			return pruned, err
		}
		pruned++
		var orphans chunk.Manifest
		for _, ref := range rec.Manifest() {
			if !liveChunks[ref.MessageID] {
				orphans = append(orphans, ref)
			}
		}
		s.store.Delete(ctx, orphans)
	}
	return pruned, nil
}
