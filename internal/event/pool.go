package event

import (
	"sync"
)

// MarketScratch holds the raw field values of one market-data message while the
// normalizer validates and converts them. It never escapes the normalizer.
type MarketScratch struct {
	Type       Type
	Instrument string
	SeqRaw     string
	TsRaw      string
	PriceRaw   string
	SizeRaw    string
	SideRaw    string
	BidRaw     string
	AskRaw     string
}

// EventPool provides sync.Pool for high-frequency scratch allocation.
// Use this to reduce GC pressure in the hotpath.
//
// Usage:
//
//	s := AcquireMarketScratch()
//	defer ReleaseMarketScratch(s)
var marketScratchPool = sync.Pool{
	New: func() interface{} {
		return &MarketScratch{}
	},
}

// AcquireMarketScratch gets a zeroed MarketScratch from the pool.
func AcquireMarketScratch() *MarketScratch {
	return marketScratchPool.Get().(*MarketScratch)
}

// ReleaseMarketScratch resets s and returns it to the pool.
func ReleaseMarketScratch(s *MarketScratch) {
	if s == nil {
		return
	}
	*s = MarketScratch{}
	marketScratchPool.Put(s)
}

// Warmup pre-allocates scratch objects to reduce GC pressure at startup.
func Warmup() {
	const batchSize = 1000

	batch := make([]*MarketScratch, 0, batchSize)
	for i := 0; i < batchSize; i++ {
		batch = append(batch, AcquireMarketScratch())
	}
	for _, s := range batch {
		ReleaseMarketScratch(s)
	}
}
