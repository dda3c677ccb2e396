package base

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"crashmill/common/format/crash"

	log "github.com/sirupsen/logrus"
	"gopkg.in/olivere/elastic.v5"
)

const (
	RawCrashType       = "raw_crash"
	ProcessedCrashType = "processed_crash"
)

var ErrNotFound = errors.New("crash not found")

type Repository struct {
	db    *elastic.Client
	index string
}

// CrashSummary is the part of a processed crash the maintenance tools list.
type CrashSummary struct {
	CrashId       string `json:"uuid"`
	Signature     string `json:"signature"`
	Product       string `json:"product"`
	Version       string `json:"version"`
	DateProcessed string `json:"date_processed"`
}

func (r *Repository) put(ctx context.Context, typ, crashId string, doc crash.Document) error {
	_, err := r.db.
		Index().
		Index(r.index).
		Type(typ).
		Id(crashId).
		BodyJson(doc).
		Refresh("true").
		Do(ctx)

	if err != nil {
		log.WithFields(log.Fields{
			"crash_id": crashId,
			"type":     typ,
			"error":    err,
		}).Error("Can't insert crash document")
	}
	return err
}

func (r *Repository) get(ctx context.Context, typ, crashId string) (crash.Document, error) {
	get, err := r.db.Get().
		Index(r.index).
		Type(typ).
		Id(crashId).
		Do(ctx)
	if elastic.IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !get.Found || get.Source == nil {
		return nil, ErrNotFound
	}

	doc, err := crash.FromJson(*get.Source)
	if err != nil {
		log.WithError(err).Error("Can't deserialize crash document")
		return nil, err
	}
	return doc, nil
}

func (r *Repository) SaveRawCrash(ctx context.Context, crashId string, raw crash.Document) error {
	return r.put(ctx, RawCrashType, crashId, raw)
}

func (r *Repository) SaveProcessedCrash(ctx context.Context, crashId string, processed crash.Document) error {
	return r.put(ctx, ProcessedCrashType, crashId, processed)
}

func (r *Repository) GetRawCrash(ctx context.Context, crashId string) (crash.Document, error) {
	return r.get(ctx, RawCrashType, crashId)
}

func (r *Repository) GetProcessedCrash(ctx context.Context, crashId string) (crash.Document, error) {
	return r.get(ctx, ProcessedCrashType, crashId)
}

// DeleteCrash removes the raw and processed documents. Missing documents
// are not an error.
func (r *Repository) DeleteCrash(ctx context.Context, crashId string) error {
	for _, typ := range []string{ProcessedCrashType, RawCrashType} {
		_, err := r.db.Delete().
			Index(r.index).
			Type(typ).
			Id(crashId).
			Do(ctx)
		if err != nil && !elastic.IsNotFound(err) {
			log.WithFields(log.Fields{
				"crash_id": crashId,
				"type":     typ,
				"error":    err,
			}).Error("Can't remove document in Elastic")
			return err
		}
	}
	return nil
}

// FindOlder lists processed crashes with date_processed older than the
// elastic date math expression now-<older>, oldest first.
func (r *Repository) FindOlder(ctx context.Context, older string, size int) ([]CrashSummary, error) {
	rng := elastic.NewRangeQuery("date_processed")
	rng.Lte(fmt.Sprintf("now-%s", older))

	searchRes, err := r.db.Search().
		Index(r.index).
		Type(ProcessedCrashType).
		Query(elastic.NewConstantScoreQuery(rng)).
		Sort("date_processed", true).
		Size(size).
		Do(ctx)
	if err != nil {
		log.WithFields(log.Fields{
			"older": older,
			"error": err,
		}).Error("Can't search processed crashes")
		return nil, err
	}

	var res []CrashSummary
	if searchRes.Hits == nil {
		return res, nil
	}
	for _, hit := range searchRes.Hits.Hits {
		var s CrashSummary
		if hit.Source != nil {
			if err := json.Unmarshal(*hit.Source, &s); err != nil {
				log.WithError(err).Warning("Can't deserialize crash summary")
				continue
			}
		}
		s.CrashId = hit.Id
		res = append(res, s)
	}
	return res, nil
}

func NewRepository(connectionUrl, index string, options ...elastic.ClientOptionFunc) (*Repository, error) {
	opts := append([]elastic.ClientOptionFunc{elastic.SetURL(connectionUrl)}, options...)
	b, err := elastic.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	return &Repository{
		db:    b,
		index: index,
	}, nil
}
