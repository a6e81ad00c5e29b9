package upload

import "sync"

// tracker folds per-file fractions into (completed + in-flight fractions) / total.
type tracker struct {
	mu        sync.Mutex
	total     int
	fractions []float64
	done      []bool
	publish   func(Progress)
}

func newTracker(total int, publish func(Progress)) *tracker {
	return &tracker{
		total:     total,
		fractions: make([]float64, total),
		done:      make([]bool, total),
		publish:   publish,
	}
}

func (t *tracker) update(i int, name string, fraction float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done[i] {
		return
	}
	fraction = max(0, min(fraction, 1))
	if fraction <= t.fractions[i] {
		return
	}
	t.fractions[i] = fraction
	t.publish(t.snapshotLocked(name))
}

func (t *tracker) finish(i int, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done[i] = true
	t.fractions[i] = 1
	t.publish(t.snapshotLocked(name))
}

func (t *tracker) snapshotLocked(name string) Progress {
	completed := 0
	sum := 0.0
	for i, f := range t.fractions {
		if t.done[i] {
			completed++
			continue
		}
		sum += f
	}
	return Progress{
		Fraction:  (float64(completed) + sum) / float64(t.total),
		Completed: completed,
		Total:     t.total,
		File:      name,
	}
}
