package archive

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/suPer8Hu/coco/internal/common"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&Report{}, &Utterance{})
}

// SaveReport stores a report and its transcript in one transaction. A report for the
// same session that already exists is returned instead (created=false), so redelivered
// messages are harmless.
func (r *Repo) SaveReport(ctx context.Context, rep *Report, utts []Utterance) (*Report, bool, error) {
	if existing, err := r.GetBySessionID(ctx, rep.SessionID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	if rep.ID == "" {
		id, err := common.NewULID()
		if err != nil {
			return nil, false, err
		}
		rep.ID = id
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(rep).Error; err != nil {
			return err
		}
		if len(utts) == 0 {
			return nil
		}
		return tx.CreateInBatches(utts, 100).Error
	})
	if err == nil {
		return rep, true, nil
	}

	// lost a race with a concurrent delivery of the same session
	existing, getErr := r.GetBySessionID(ctx, rep.SessionID)
	if getErr == nil {
		return existing, false, nil
	}
	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}

func (r *Repo) GetBySessionID(ctx context.Context, sessionID string) (*Report, error) {
	var rep Report
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		First(&rep).Error; err != nil {
		return nil, err
	}
	return &rep, nil
}

// Store decodes one queue message and archives it.
func (r *Repo) Store(ctx context.Context, body []byte) (*Report, bool, error) {
	m, err := DecodeMessage(body)
	if err != nil {
		return nil, false, err
	}
	rep, utts := Records(m)
	return r.SaveReport(ctx, rep, utts)
}
