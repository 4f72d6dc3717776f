package model

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"massive/internal/publish"
	"massive/internal/spot"
	"massive/internal/store"
)

type ProfileBin struct {
	Low    float64 `json:"low"`
	High   float64 `json:"high"`
	Weight int     `json:"weight"`
}

type ProfileLevel struct {
	Price  float64 `json:"price"`
	Kind   string  `json:"kind"` // node, well, edge
	Weight int     `json:"weight"`
}

type ProfilePayload struct {
	Underlying string         `json:"underlying"`
	BinSize    float64        `json:"bin_size"`
	Bins       []ProfileBin   `json:"bins"`
	Levels     []ProfileLevel `json:"levels"`
}

// VolumeProfileBuilder buckets the spot trail by price level over a look-back
// window and extracts high-participation nodes, low-participation wells and
// the transition edges between them. The upstream spot feed carries no trade
// size, so participation is time-at-price (samples per bin).
type VolumeProfileBuilder struct {
	Store    store.Store
	Pub      *publish.Publisher
	Logger   *zap.Logger
	BinSize  float64
	Lookback time.Duration
}

func (b *VolumeProfileBuilder) Family() string         { return FamilyProfile }
func (b *VolumeProfileBuilder) DataSource() DataSource { return SourceTrail }

const minProfileSamples = 10

func (b *VolumeProfileBuilder) Build(ctx context.Context, underlying string) (bool, error) {
	raw, found, err := b.Store.Get(ctx, spot.TrailKey(underlying))
	if err != nil || !found {
		return false, err
	}
	var trail []spot.TrailPoint
	if err := json.Unmarshal(raw, &trail); err != nil {
		return false, err
	}

	lookback := b.Lookback
	if lookback <= 0 {
		lookback = 10 * time.Minute
	}
	var latest time.Time
	for _, p := range trail {
		if p.AsOf.After(latest) {
			latest = p.AsOf
		}
	}
	cut := latest.Add(-lookback)
	window := trail[:0:0]
	for _, p := range trail {
		if !p.AsOf.Before(cut) && p.Price > 0 {
			window = append(window, p)
		}
	}
	if len(window) < minProfileSamples {
		return false, nil
	}

	payload := ComputeProfile(underlying, window, b.BinSize)
	if len(payload.Bins) == 0 {
		return false, nil
	}
	if _, err := b.Pub.Publish(ctx, FamilyProfile, underlying, latest, payload); err != nil {
		return false, err
	}
	return true, nil
}

// ComputeProfile bins the window and classifies levels against the mean bin
// weight: local maxima at or above the mean are nodes, local minima at or
// below half the mean are wells, and a bin boundary where weight crosses the
// mean is an edge.
func ComputeProfile(underlying string, window []spot.TrailPoint, binSize float64) ProfilePayload {
	if binSize <= 0 {
		binSize = 5
	}
	weights := map[int64]int{}
	for _, p := range window {
		weights[int64(math.Floor(p.Price/binSize))]++
	}
	idxs := make([]int64, 0, len(weights))
	for i := range weights {
		idxs = append(idxs, i)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })

	payload := ProfilePayload{Underlying: underlying, BinSize: binSize}
	total := 0
	for _, i := range idxs {
		w := weights[i]
		total += w
		payload.Bins = append(payload.Bins, ProfileBin{
			Low:    float64(i) * binSize,
			High:   float64(i+1) * binSize,
			Weight: w,
		})
	}
	if len(payload.Bins) < 3 {
		return payload
	}
	mean := float64(total) / float64(len(payload.Bins))

	for i, bin := range payload.Bins {
		w := float64(bin.Weight)
		left, right := neighborWeights(payload.Bins, i)
		center := (bin.Low + bin.High) / 2
		switch {
		case w >= left && w >= right && w >= mean && (w > left || w > right):
			payload.Levels = append(payload.Levels, ProfileLevel{Price: center, Kind: "node", Weight: bin.Weight})
		case w <= left && w <= right && w <= mean/2 && (w < left || w < right):
			payload.Levels = append(payload.Levels, ProfileLevel{Price: center, Kind: "well", Weight: bin.Weight})
		}
		if i > 0 {
			prev := float64(payload.Bins[i-1].Weight)
			if (prev < mean && w >= mean) || (prev >= mean && w < mean) {
				payload.Levels = append(payload.Levels, ProfileLevel{Price: bin.Low, Kind: "edge", Weight: bin.Weight})
			}
		}
	}
	sort.Slice(payload.Levels, func(i, j int) bool {
		if payload.Levels[i].Price != payload.Levels[j].Price {
			return payload.Levels[i].Price < payload.Levels[j].Price
		}
		return payload.Levels[i].Kind < payload.Levels[j].Kind
	})
	return payload
}

func neighborWeights(bins []ProfileBin, i int) (left, right float64) {
	left, right = -1, -1
	if i > 0 {
		left = float64(bins[i-1].Weight)
	}
	if i+1 < len(bins) {
		right = float64(bins[i+1].Weight)
	}
	return left, right
}
