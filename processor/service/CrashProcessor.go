package service

import (
	"context"
	"errors"
	"os"

	"crashmill/common/data/base"
	"crashmill/common/format/crash"
	"crashmill/common/task"
	"crashmill/processor/pipeline"

	log "github.com/sirupsen/logrus"
)

// Storage keeps raw and processed crashes between processing runs.
type Storage interface {
	SaveRawCrash(ctx context.Context, crashId string, raw crash.Document) error
	SaveProcessedCrash(ctx context.Context, crashId string, processed crash.Document) error
	GetRawCrash(ctx context.Context, crashId string) (crash.Document, error)
	GetProcessedCrash(ctx context.Context, crashId string) (crash.Document, error)
}

type CrashProcessor struct {
	defaultRuleset string
	storage        Storage
	pline          *pipeline.Pipeline
}

func (s *CrashProcessor) initCrashProcessor(defaultRuleset string, storage Storage, pline *pipeline.Pipeline) {
	s.defaultRuleset = defaultRuleset
	s.storage = storage
	s.pline = pline
}

func (s *CrashProcessor) ruleset(name string) string {
	if len(name) == 0 {
		return s.defaultRuleset
	}
	return name
}

// handleProcess runs a ruleset over a crash written by the collector. It
// returns nil without an error when the task can never succeed.
func (s *CrashProcessor) handleProcess(ctx context.Context, t *task.Process) (crash.Document, error) {
	logger := log.WithField("crash_id", t.CrashId)

	data, err := os.ReadFile(t.RawCrash)
	if err != nil {
		logger.WithError(err).Error("Can't read raw crash")
		s.removeFiles(t)
		return nil, nil
	}
	raw, err := crash.FromJson(data)
	if err != nil {
		logger.WithError(err).Error("Can't parse raw crash")
		s.removeFiles(t)
		return nil, nil
	}
	if !raw.Has("uuid") {
		raw["uuid"] = t.CrashId
	}

	processed := s.pline.ProcessCrash(s.ruleset(t.Ruleset), raw, t.Dumps, nil)

	if err := s.storage.SaveRawCrash(ctx, t.CrashId, raw); err != nil {
		return nil, err
	}
	if err := s.storage.SaveProcessedCrash(ctx, t.CrashId, processed); err != nil {
		return nil, err
	}

	s.removeFiles(t)
	return processed, nil
}

// handleReprocess runs a ruleset over a stored crash. Dumps are not kept
// after the first run so rules that need them skip.
func (s *CrashProcessor) handleReprocess(ctx context.Context, t *task.Reprocess) (crash.Document, error) {
	logger := log.WithFields(log.Fields{
		"crash_id": t.CrashId,
		"ruleset":  t.Ruleset,
	})

	raw, err := s.storage.GetRawCrash(ctx, t.CrashId)
	if errors.Is(err, base.ErrNotFound) {
		logger.Warning("Can't reprocess unknown crash")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	processed, err := s.storage.GetProcessedCrash(ctx, t.CrashId)
	if errors.Is(err, base.ErrNotFound) {
		processed = crash.Document{}
	} else if err != nil {
		return nil, err
	}

	processed = s.pline.ProcessCrash(s.ruleset(t.Ruleset), raw, nil, processed)
	if err := s.storage.SaveProcessedCrash(ctx, t.CrashId, processed); err != nil {
		return nil, err
	}
	return processed, nil
}

func (s *CrashProcessor) removeFiles(t *task.Process) {
	paths := []string{t.RawCrash}
	for _, path := range t.Dumps {
		paths = append(paths, path)
	}

	for _, path := range paths {
		if len(path) == 0 {
			continue
		}
		err := os.Remove(path)
		if err != nil && !os.IsNotExist(err) {
			log.WithFields(log.Fields{
				"path":  path,
				"error": err,
			}).Warning("Can't remove file")
		}
	}
}
