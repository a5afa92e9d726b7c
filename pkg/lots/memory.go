package lots

import (
	"context"
	"slices"
	"sync"
	"time"

	"lotbot/pkg/clock"
	"lotbot/pkg/fault"
)

// MemoryRepository keeps lots in process memory. It is used when no
// Postgres DSN is configured and in tests.
type MemoryRepository struct {
	clock clock.Clock

	mu      sync.RWMutex
	nextLot int64
	nextImg int64
	lots    map[string]Lot
	images  map[int64]Image
	seqs    map[seqKey]int
}

type seqKey struct {
	lotID int64
	day   int64
}

func NewMemoryRepository(c clock.Clock) *MemoryRepository {
	if c == nil {
		c = clock.Real()
	}
	return &MemoryRepository{
		clock:  c,
		lots:   make(map[string]Lot),
		images: make(map[int64]Image),
		seqs:   make(map[seqKey]int),
	}
}

func (r *MemoryRepository) ResolveOrCreateLot(_ context.Context, number string) (Lot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if lot, ok := r.lots[number]; ok {
		return lot, nil
	}

	r.nextLot++
	lot := Lot{ID: r.nextLot, Number: number, CreatedAt: r.clock.Now()}
	r.lots[number] = lot
	return lot, nil
}

func (r *MemoryRepository) FindLot(_ context.Context, number string) (Lot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lot, ok := r.lots[number]
	if !ok {
		return Lot{}, fault.NotFoundf("lot %s not found", number)
	}
	return lot, nil
}

func (r *MemoryRepository) AddImage(_ context.Context, img Image) (Image, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextImg++
	img.ID = r.nextImg
	img.Date = DateOnly(img.Date)
	if img.CreatedAt.IsZero() {
		img.CreatedAt = r.clock.Now()
	}
	r.images[img.ID] = img
	return img, nil
}

func (r *MemoryRepository) UpdateImage(_ context.Context, img Image) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.images[img.ID]; !ok {
		return fault.NotFoundf("image %d not found", img.ID)
	}
	img.Date = DateOnly(img.Date)
	r.images[img.ID] = img
	return nil
}

func (r *MemoryRepository) GetImage(_ context.Context, id int64) (Image, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	img, ok := r.images[id]
	if !ok {
		return Image{}, fault.NotFoundf("image %d not found", id)
	}
	return img, nil
}

func (r *MemoryRepository) DeleteImage(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.images[id]; !ok {
		return fault.NotFoundf("image %d not found", id)
	}
	delete(r.images, id)
	return nil
}

func (r *MemoryRepository) ReserveSeq(_ context.Context, lotID int64, date time.Time, n int) (int, error) {
	if n <= 0 {
		return 0, fault.Validationf("reserve at least one sequence number")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	day := DateOnly(date)
	key := seqKey{lotID: lotID, day: day.Unix()}
	last := r.seqs[key]
	for _, img := range r.images {
		if img.LotID == lotID && img.Date.Equal(day) && img.Seq > last {
			last = img.Seq
		}
	}

	r.seqs[key] = last + n
	return last + 1, nil
}

// ListDates returns the distinct image dates of a lot, newest first.
func (r *MemoryRepository) ListDates(_ context.Context, lotID int64) ([]time.Time, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[time.Time]struct{})
	var dates []time.Time
	for _, img := range r.images {
		if img.LotID != lotID {
			continue
		}
		if _, ok := seen[img.Date]; ok {
			continue
		}
		seen[img.Date] = struct{}{}
		dates = append(dates, img.Date)
	}

	slices.SortFunc(dates, func(a, b time.Time) int { return b.Compare(a) })
	return dates, nil
}

// ListImages returns the images of a lot on date ordered by sequence.
func (r *MemoryRepository) ListImages(_ context.Context, lotID int64, date time.Time) ([]Image, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	day := DateOnly(date)
	var images []Image
	for _, img := range r.images {
		if img.LotID == lotID && img.Date.Equal(day) {
			images = append(images, img)
		}
	}

	slices.SortFunc(images, func(a, b Image) int {
		if a.Seq != b.Seq {
			return a.Seq - b.Seq
		}
		return int(a.ID - b.ID)
	})
	return images, nil
}
