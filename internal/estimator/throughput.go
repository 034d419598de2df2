package estimator

import (
	"time"

	"github.com/sentrix-io/sentrix/internal/store"
)

// RateKinds are the operation kinds whose throughput bounds the processing
// delay. Export has a backlog but no measured throughput.
var RateKinds = []store.Stage{
	store.StageOCR,
	store.StagePrediction,
	store.StageControl,
	store.StageClassification,
	store.StagePDF,
}

// pageWeighted reports whether kind is counted in pages rather than documents.
func pageWeighted(kind store.Stage) bool {
	return kind == store.StageOCR || kind == store.StagePrediction
}

func isRateKind(kind store.Stage) bool {
	for _, k := range RateKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// BucketRate is the observed throughput of one time bucket, in operations
// (pages or documents) per second per kind.
type BucketRate struct {
	Start time.Time
	Rates map[store.Stage]float64
}

// Total is the sum of rates across kinds, added in RateKinds order so equal
// buckets always compare equal.
func (b BucketRate) Total() float64 {
	var total float64
	for _, k := range RateKinds {
		total += b.Rates[k]
	}
	return total
}

// ComputeRates buckets records into width-sized buckets covering the trailing
// window before now. Buckets are aligned on multiples of width since the
// Unix epoch; the last bucket is the one containing now.
//
// A record contributes its weight (pages for OCR and PREDICTION, 1 otherwise)
// to every bucket it overlaps, scaled by the fraction of its duration inside
// that bucket. A record with no duration contributes its full weight to the
// bucket containing its start. Records of other kinds are ignored.
//
// The second result is false when no record contributed to any bucket.
func ComputeRates(records []store.OperationRecord, now time.Time, window, width time.Duration) ([]BucketRate, bool) {
	if width <= 0 || window < 0 {
		return nil, false
	}
	last := time.Unix(0, now.UnixNano()/int64(width)*int64(width))
	n := int(window/width) + 1
	base := last.Add(-time.Duration(n-1) * width)
	end := last.Add(width)

	acc := make([]map[store.Stage]float64, n)
	add := func(i int, kind store.Stage, w float64) {
		if acc[i] == nil {
			acc[i] = make(map[store.Stage]float64, len(RateKinds))
		}
		acc[i][kind] += w
	}
	index := func(t time.Time) int {
		return int(t.Sub(base) / width)
	}

	contributed := false
	for _, r := range records {
		if !isRateKind(r.Kind) {
			continue
		}
		weight := 1.0
		if pageWeighted(r.Kind) {
			weight = float64(r.NbPages)
		}

		dur := r.Ended.Sub(r.Started)
		if dur <= 0 {
			if r.Started.Before(base) || !r.Started.Before(end) {
				continue
			}
			add(index(r.Started), r.Kind, weight)
			contributed = true
			continue
		}
		if !r.Ended.After(base) || !r.Started.Before(end) {
			continue
		}

		first, lastIdx := 0, n-1
		if r.Started.After(base) {
			first = index(r.Started)
		}
		if r.Ended.Before(end) {
			lastIdx = index(r.Ended.Add(-1))
		}
		for i := first; i <= lastIdx; i++ {
			b0 := base.Add(time.Duration(i) * width)
			b1 := b0.Add(width)
			lo, hi := r.Started, r.Ended
			if lo.Before(b0) {
				lo = b0
			}
			if hi.After(b1) {
				hi = b1
			}
			if overlap := hi.Sub(lo); overlap > 0 {
				add(i, r.Kind, weight*float64(overlap)/float64(dur))
				contributed = true
			}
		}
	}

	seconds := width.Seconds()
	out := make([]BucketRate, n)
	for i := range out {
		rates := make(map[store.Stage]float64, len(RateKinds))
		for _, k := range RateKinds {
			rates[k] = acc[i][k] / seconds
		}
		out[i] = BucketRate{Start: base.Add(time.Duration(i) * width), Rates: rates}
	}
	return out, contributed
}

// PeakBucket returns the bucket with the highest total rate. Ties go to the
// earliest bucket. ok is false for an empty slice.
func PeakBucket(buckets []BucketRate) (peak BucketRate, ok bool) {
	best := -1.0
	for _, b := range buckets {
		if t := b.Total(); t > best {
			peak, best, ok = b, t, true
		}
	}
	return peak, ok
}

// ExpectedDurations returns, per rate kind, how many seconds the backlog
// takes to clear at the peak rate. A kind with no throughput gets 0.
func ExpectedDurations(peak map[store.Stage]float64, backlog map[store.Stage]float64) map[store.Stage]float64 {
	out := make(map[store.Stage]float64, len(RateKinds))
	for _, k := range RateKinds {
		if rate := peak[k]; rate > 0 {
			out[k] = backlog[k] / rate
		} else {
			out[k] = 0
		}
	}
	return out
}

// ProcessingDelay is the largest expected duration: kinds are processed in
// parallel so the slowest one bounds the delay.
func ProcessingDelay(durations map[store.Stage]float64) float64 {
	var delay float64
	for _, d := range durations {
		if d > delay {
			delay = d
		}
	}
	return delay
}
