package lots

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"lotbot/pkg/fault"
	"lotbot/pkg/logger"
	"lotbot/pkg/media"
	"lotbot/pkg/upload"
)

// Service turns flushed upload batches into stored images and answers the
// lot queries used by the dispatcher.
type Service struct {
	repo       Repository
	store      media.Store
	compressor media.Compressor
	log        *slog.Logger
}

// CorrectResult reports how many images moved to the new lot.
type CorrectResult struct {
	From   Lot
	To     Lot
	Moved  int
	Failed int
}

func NewService(repo Repository, store media.Store, compressor media.Compressor, log *slog.Logger) *Service {
	return &Service{
		repo:       repo,
		store:      store,
		compressor: compressor,
		log:        logger.Component(log, "lots.service"),
	}
}

// ProcessBatch resolves the batch lot and records every item. Per-item
// failures are counted; the error is only set when nothing was stored.
func (s *Service) ProcessBatch(ctx context.Context, batch upload.Batch) (upload.Outcome, error) {
	number, err := NormalizeNumber(batch.Lot)
	if err != nil {
		return upload.Outcome{Failed: len(batch.Items)}, err
	}

	lot, err := s.repo.ResolveOrCreateLot(ctx, number)
	if err != nil {
		return upload.Outcome{Failed: len(batch.Items)}, fmt.Errorf("resolve lot %s: %w", number, err)
	}

	outcome := s.RecordProcessedBatch(ctx, lot, batch.Date, batch.UserID, batch.Items)
	if outcome.Succeeded == 0 && outcome.Failed > 0 {
		return outcome, fault.Wrap(fault.Downstream, "no image could be stored", errors.Join(outcome.Errors...))
	}
	return outcome, nil
}

// RecordProcessedBatch compresses, stores and records items in order.
// Filenames take sequence numbers reserved after every number already used
// for the lot on that date.
func (s *Service) RecordProcessedBatch(ctx context.Context, lot Lot, date time.Time, uploadedBy string, items []upload.Item) upload.Outcome {
	var outcome upload.Outcome
	if len(items) == 0 {
		return outcome
	}
	day := DateOnly(date)

	first, err := s.repo.ReserveSeq(ctx, lot.ID, day, len(items))
	if err != nil {
		s.log.Warn("Sequence reservation failed", "lot", lot.Number, "error", err)
		outcome.Failed = len(items)
		outcome.Errors = append(outcome.Errors, fmt.Errorf("reserve sequence: %w", err))
		return outcome
	}

	for i, item := range items {
		img, err := s.storeItem(ctx, lot, day, uploadedBy, first+i, item)
		if err != nil {
			outcome.Failed++
			outcome.Errors = append(outcome.Errors, fmt.Errorf("item %d: %w", item.Seq, err))
			s.log.Warn("Image not stored", "lot", lot.Number, "seq", item.Seq, "error", err)
			continue
		}
		outcome.Succeeded++
		outcome.Filenames = append(outcome.Filenames, img.Filename)
	}

	return outcome
}

func (s *Service) storeItem(ctx context.Context, lot Lot, day time.Time, uploadedBy string, seq int, item upload.Item) (Image, error) {
	data := item.Payload
	if s.compressor != nil {
		compressed, err := s.compressor.Compress(item.Payload)
		if err != nil {
			return Image{}, err
		}
		data = compressed
	}

	filename := media.Filename(lot.Number, day, seq)
	key := media.ObjectKey(lot.Number, day, filename, data)
	if err := s.store.Put(ctx, key, data); err != nil {
		return Image{}, fmt.Errorf("store %s: %w", filename, err)
	}

	img, err := s.repo.AddImage(ctx, Image{
		LotID:       lot.ID,
		LotNumber:   lot.Number,
		Date:        day,
		Filename:    filename,
		StorageKey:  key,
		Seq:         seq,
		SizeBytes:   int64(len(data)),
		ContentHash: media.ContentHash(data),
		UploadedBy:  uploadedBy,
	})
	if err != nil {
		if delErr := s.store.Delete(ctx, key); delErr != nil {
			s.log.Warn("Orphaned object left in store", "key", key, "error", delErr)
		}
		return Image{}, err
	}
	return img, nil
}

// Dates returns the lot and its image dates, newest first.
func (s *Service) Dates(ctx context.Context, number string) (Lot, []time.Time, error) {
	lot, err := s.findLot(ctx, number)
	if err != nil {
		return Lot{}, nil, err
	}

	dates, err := s.repo.ListDates(ctx, lot.ID)
	if err != nil {
		return Lot{}, nil, err
	}
	if len(dates) == 0 {
		return lot, nil, fault.NotFoundf("no images for lot %s", lot.Number)
	}
	return lot, dates, nil
}

// Images returns the images of a lot on date.
func (s *Service) Images(ctx context.Context, number string, date time.Time) (Lot, []Image, error) {
	lot, err := s.findLot(ctx, number)
	if err != nil {
		return Lot{}, nil, err
	}

	images, err := s.repo.ListImages(ctx, lot.ID, date)
	if err != nil {
		return Lot{}, nil, err
	}
	if len(images) == 0 {
		return lot, nil, fault.NotFoundf("no images for lot %s on %s", lot.Number, FormatDate(date))
	}
	return lot, images, nil
}

// DeleteDate removes every image of a lot on date and returns how many
// records were removed.
func (s *Service) DeleteDate(ctx context.Context, number string, date time.Time) (int, error) {
	_, images, err := s.Images(ctx, number, date)
	if err != nil {
		return 0, err
	}

	deleted := 0
	var errs []error
	for _, img := range images {
		if err := s.deleteImage(ctx, img); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted++
	}

	if len(errs) > 0 {
		return deleted, fault.Wrap(fault.Downstream, fmt.Sprintf("%d of %d images could not be deleted", len(errs), len(images)), errors.Join(errs...))
	}
	return deleted, nil
}

// DeleteImage removes a single image.
func (s *Service) DeleteImage(ctx context.Context, id int64) (Image, error) {
	img, err := s.repo.GetImage(ctx, id)
	if err != nil {
		return Image{}, err
	}
	return img, s.deleteImage(ctx, img)
}

func (s *Service) deleteImage(ctx context.Context, img Image) error {
	if err := s.repo.DeleteImage(ctx, img.ID); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, img.StorageKey); err != nil {
		s.log.Warn("Stored object not removed", "key", img.StorageKey, "error", err)
	}
	return nil
}

// CorrectLot moves images from one lot to another, renaming them to the
// target lot's numbering. A nil date moves every date.
func (s *Service) CorrectLot(ctx context.Context, from string, to string, date *time.Time) (CorrectResult, error) {
	source, err := s.findLot(ctx, from)
	if err != nil {
		return CorrectResult{}, err
	}

	targetNumber, err := NormalizeNumber(to)
	if err != nil {
		return CorrectResult{}, err
	}
	if targetNumber == source.Number {
		return CorrectResult{}, fault.Validationf("new lot is the same as the current lot")
	}

	var dates []time.Time
	if date != nil {
		dates = []time.Time{DateOnly(*date)}
	} else {
		dates, err = s.repo.ListDates(ctx, source.ID)
		if err != nil {
			return CorrectResult{}, err
		}
	}

	target, err := s.repo.ResolveOrCreateLot(ctx, targetNumber)
	if err != nil {
		return CorrectResult{}, err
	}

	result := CorrectResult{From: source, To: target}
	for _, day := range dates {
		images, err := s.repo.ListImages(ctx, source.ID, day)
		if err != nil {
			return result, err
		}

		if len(images) == 0 {
			continue
		}
		first, err := s.repo.ReserveSeq(ctx, target.ID, day, len(images))
		if err != nil {
			return result, err
		}

		for i, img := range images {
			if err := s.moveImage(ctx, img, target, first+i); err != nil {
				result.Failed++
				s.log.Warn("Image not moved", "image_id", img.ID, "from", source.Number, "to", target.Number, "error", err)
				continue
			}
			result.Moved++
		}
	}

	if result.Moved == 0 && result.Failed == 0 {
		return result, fault.NotFoundf("no images for lot %s", source.Number)
	}
	return result, nil
}

func (s *Service) moveImage(ctx context.Context, img Image, target Lot, seq int) error {
	data, err := s.store.Get(ctx, img.StorageKey)
	if err != nil {
		return err
	}

	filename := media.Filename(target.Number, img.Date, seq)
	key := media.ObjectKey(target.Number, img.Date, filename, data)
	if err := s.store.Put(ctx, key, data); err != nil {
		return err
	}

	oldKey := img.StorageKey
	img.LotID = target.ID
	img.LotNumber = target.Number
	img.Filename = filename
	img.StorageKey = key
	img.Seq = seq
	if err := s.repo.UpdateImage(ctx, img); err != nil {
		_ = s.store.Delete(ctx, key)
		return err
	}

	if err := s.store.Delete(ctx, oldKey); err != nil {
		s.log.Warn("Old object not removed after move", "key", oldKey, "error", err)
	}
	return nil
}

func (s *Service) findLot(ctx context.Context, raw string) (Lot, error) {
	number, err := NormalizeNumber(raw)
	if err != nil {
		return Lot{}, err
	}
	return s.repo.FindLot(ctx, number)
}
