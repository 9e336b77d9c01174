package staging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/sp500-pipeline/internal/etlerr"
	"github.com/rickgao/sp500-pipeline/internal/model"
)

// Object metadata keys. S3 lower-cases user metadata, so keep them lower.
const (
	MetaChecksum      = "checksum-sha256"
	MetaRecords       = "record-count"
	MetaRunID         = "run-id"
	MetaKind          = "kind"
	MetaPartitionDate = "partition-date"
)

// Stager writes run payloads to the object store.
type Stager struct {
	store  ObjectStore
	prefix string
	logger *slog.Logger
}

// NewStager creates a Stager writing under prefix. A nil logger uses
// slog.Default().
func NewStager(store ObjectStore, prefix string, logger *slog.Logger) *Stager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stager{
		store:  store,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.With("component", "stager"),
	}
}

// ManifestKey is the file name of a partition's commit record.
const ManifestKey = "_manifest.json"

// Manifest commits one run's objects for a partition date.
type Manifest struct {
	RunID         uuid.UUID            `json:"run_id"`
	PartitionDate string               `json:"partition_date"`
	CommittedAt   time.Time            `json:"committed_at"`
	Objects       []model.StagedObject `json:"objects"`
}

// PartitionPrefix returns the key prefix holding a date's objects.
func (s *Stager) PartitionPrefix(date time.Time) string {
	return path.Join(s.prefix, "partition_date="+model.FormatDate(date)) + "/"
}

// RunPrefix returns the key prefix holding one run's objects for date.
func (s *Stager) RunPrefix(date time.Time, runID uuid.UUID) string {
	return s.PartitionPrefix(date) + "run_id=" + runID.String() + "/"
}

// ObjectKey returns the final key for kind written by runID on date.
func (s *Stager) ObjectKey(date time.Time, runID uuid.UUID, kind model.Kind) string {
	return s.RunPrefix(date, runID) + string(kind) + ".csv"
}

func (s *Stager) manifestKey(date time.Time) string {
	return s.PartitionPrefix(date) + ManifestKey
}

func (s *Stager) tempKey(runID uuid.UUID, name string) string {
	return path.Join(s.prefix, "_tmp", runID.String(), name)
}

// Stage writes the roster and quotes for a run and returns one StagedObject
// per kind. Any store failure is a StageWriteError. The run's objects only
// become visible to Discover once the manifest is written; a failure before
// that leaves the previously committed run in place.
func (s *Stager) Stage(ctx context.Context, runID uuid.UUID, date time.Time, roster []model.RosterEntry, quotes []model.QuoteRecord) ([]model.StagedObject, error) {
	const op = "staging.stage"

	rosterBody, err := EncodeRoster(roster)
	if err != nil {
		return nil, etlerr.New(etlerr.KindStageWrite, op, err)
	}
	quotesBody, err := EncodeQuotes(quotes)
	if err != nil {
		return nil, etlerr.New(etlerr.KindStageWrite, op, err)
	}

	payloads := []struct {
		kind    model.Kind
		body    []byte
		records int
	}{
		{model.KindRoster, rosterBody, len(roster)},
		{model.KindQuotes, quotesBody, len(quotes)},
	}

	staged := make([]model.StagedObject, 0, len(payloads))
	for _, p := range payloads {
		obj := model.StagedObject{
			Kind:          p.kind,
			Key:           s.ObjectKey(date, runID, p.kind),
			PartitionDate: date,
			RunID:         runID,
			Records:       p.records,
			Checksum:      Checksum(p.body),
		}
		tmp := s.tempKey(runID, string(p.kind)+".csv")
		if err := s.write(ctx, tmp, obj.Key, p.body, objectMeta(obj)); err != nil {
			s.discard(ctx, staged)
			return nil, etlerr.New(etlerr.KindStageWrite, op, err)
		}
		s.logger.Info("object staged",
			"key", obj.Key,
			"kind", obj.Kind,
			"records", obj.Records,
			"bytes", len(p.body),
		)
		staged = append(staged, obj)
	}

	if err := s.commit(ctx, runID, date, staged); err != nil {
		s.discard(ctx, staged)
		return nil, etlerr.New(etlerr.KindStageWrite, op, err)
	}
	return staged, nil
}

// commit writes the partition manifest naming staged as the current run.
func (s *Stager) commit(ctx context.Context, runID uuid.UUID, date time.Time, staged []model.StagedObject) error {
	body, err := json.Marshal(Manifest{
		RunID:         runID,
		PartitionDate: model.FormatDate(date),
		CommittedAt:   time.Now().UTC(),
		Objects:       staged,
	})
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	key := s.manifestKey(date)
	meta := map[string]string{
		MetaRunID:         runID.String(),
		MetaPartitionDate: model.FormatDate(date),
	}
	if err := s.write(ctx, s.tempKey(runID, ManifestKey), key, body, meta); err != nil {
		return fmt.Errorf("commit manifest: %w", err)
	}
	s.logger.Info("partition committed",
		"key", key,
		"run_id", runID,
		"objects", len(staged),
	)
	return nil
}

func objectMeta(obj model.StagedObject) map[string]string {
	return map[string]string{
		MetaChecksum:      obj.Checksum,
		MetaRecords:       strconv.Itoa(obj.Records),
		MetaRunID:         obj.RunID.String(),
		MetaKind:          string(obj.Kind),
		MetaPartitionDate: model.FormatDate(obj.PartitionDate),
	}
}

// write puts body at a temporary key, copies it to key and removes the
// temporary object.
func (s *Stager) write(ctx context.Context, tmp, key string, body []byte, meta map[string]string) error {
	if err := s.store.Put(ctx, tmp, body, meta); err != nil {
		return err
	}
	if err := s.store.Copy(ctx, tmp, key); err != nil {
		s.cleanup(ctx, tmp)
		return err
	}
	s.cleanup(ctx, tmp)
	return nil
}

// discard removes the objects of a run that was never committed.
func (s *Stager) discard(ctx context.Context, objs []model.StagedObject) {
	for _, obj := range objs {
		s.cleanup(ctx, obj.Key)
	}
}

// cleanup removes an uncommitted object. Failures only leave an
// unreferenced object behind and are logged.
func (s *Stager) cleanup(ctx context.Context, key string) {
	if err := s.store.Delete(ctx, key); err != nil {
		s.logger.Warn("failed to remove uncommitted object", "key", key, "err", err)
	}
}

// Read returns an object's payload after verifying it against the checksum
// recorded in obj.
func (s *Stager) Read(ctx context.Context, obj model.StagedObject) ([]byte, error) {
	body, _, err := s.store.Get(ctx, obj.Key)
	if err != nil {
		return nil, err
	}
	if obj.Checksum != "" {
		if got := Checksum(body); got != obj.Checksum {
			return nil, fmt.Errorf("%w: %s checksum %s, want %s", ErrSchema, obj.Key, got, obj.Checksum)
		}
	}
	return body, nil
}

// Manifest returns the committed manifest for date, or ErrNotFound.
func (s *Stager) Manifest(ctx context.Context, date time.Time) (*Manifest, error) {
	key := s.manifestKey(date)
	body, _, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSchema, key, err)
	}
	if m.PartitionDate != model.FormatDate(date) {
		return nil, fmt.Errorf("%w: %s names partition %s", ErrSchema, key, m.PartitionDate)
	}
	for _, obj := range m.Objects {
		if obj.RunID != m.RunID {
			return nil, fmt.Errorf("%w: %s lists %s from run %s, manifest run is %s", ErrSchema, key, obj.Key, obj.RunID, m.RunID)
		}
	}
	return &m, nil
}

// Discover returns the objects of the run committed for date, so a staged
// partition can be reloaded without re-running extraction. A date with no
// committed run yields no objects.
func (s *Stager) Discover(ctx context.Context, date time.Time) ([]model.StagedObject, error) {
	const op = "staging.discover"

	m, err := s.Manifest(ctx, date)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, nil
	case errors.Is(err, ErrSchema):
		return nil, etlerr.New(etlerr.KindLoadSchema, op, err)
	case err != nil:
		return nil, etlerr.New(etlerr.KindStageWrite, op, err)
	}

	keys, err := s.store.List(ctx, s.PartitionPrefix(date))
	if err != nil {
		return nil, etlerr.New(etlerr.KindStageWrite, op, err)
	}
	committed := s.RunPrefix(date, m.RunID)
	var ignored int
	for _, key := range keys {
		if strings.HasSuffix(key, ".csv") && !strings.HasPrefix(key, committed) {
			ignored++
		}
	}

	s.logger.Info("staged objects discovered",
		"partition_date", model.FormatDate(date),
		"run_id", m.RunID,
		"objects", len(m.Objects),
		"ignored_objects", ignored,
	)
	return m.Objects, nil
}

// Purge deletes staged objects after a successful load. The partition
// manifest is removed first when it names the purged run.
func (s *Stager) Purge(ctx context.Context, objs []model.StagedObject) error {
	if len(objs) == 0 {
		return nil
	}
	var errs []error

	date, runID := objs[0].PartitionDate, objs[0].RunID
	m, err := s.Manifest(ctx, date)
	switch {
	case err == nil && m.RunID == runID:
		if err := s.store.Delete(ctx, s.manifestKey(date)); err != nil {
			return fmt.Errorf("remove manifest: %w", err)
		}
	case err != nil && !errors.Is(err, ErrNotFound):
		errs = append(errs, err)
	}

	for _, obj := range objs {
		if err := s.store.Delete(ctx, obj.Key); err != nil {
			errs = append(errs, err)
			continue
		}
		s.logger.Debug("staged object purged", "key", obj.Key)
	}
	return errors.Join(errs...)
}
