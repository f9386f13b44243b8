package book

import (
	"github.com/emirpasic/gods/maps/treemap"
	"github.com/shopspring/decimal"

	"github.com/BullionBear/aggbook/internal/model"
)

// levelKey orders one side of the book. Bids sort by descending price, asks
// by ascending price; both tiebreak by descending quantity, then by venue tag
// so the ordering is total.
type levelKey struct {
	price    decimal.Decimal
	quantity decimal.Decimal
	exchange model.Exchange
}

func bidComparator(a, b interface{}) int {
	ka := a.(levelKey)
	kb := b.(levelKey)
	if c := kb.price.Cmp(ka.price); c != 0 {
		return c
	}
	if c := kb.quantity.Cmp(ka.quantity); c != 0 {
		return c
	}
	return int(ka.exchange) - int(kb.exchange)
}

func askComparator(a, b interface{}) int {
	ka := a.(levelKey)
	kb := b.(levelKey)
	if c := ka.price.Cmp(kb.price); c != 0 {
		return c
	}
	if c := kb.quantity.Cmp(ka.quantity); c != 0 {
		return c
	}
	return int(ka.exchange) - int(kb.exchange)
}

// slotKey identifies the unique (price, venue) position a level occupies.
type slotKey struct {
	price    string
	exchange model.Exchange
}

// bookSide keeps at most depth levels in side order. The treemap holds the
// levels sorted best-first; slots maps (price, venue) to the live quantity so
// an upsert can locate and remove the prior treemap entry.
type bookSide struct {
	levels *treemap.Map
	slots  map[slotKey]decimal.Decimal
	depth  int
}

func newBookSide(depth int, ask bool) *bookSide {
	comparator := bidComparator
	if ask {
		comparator = askComparator
	}
	return &bookSide{
		levels: treemap.NewWith(comparator),
		slots:  make(map[slotKey]decimal.Decimal),
		depth:  depth,
	}
}

// update applies one absolute level set: zero quantity removes the
// (price, venue) entry, anything else replaces it.
func (bs *bookSide) update(level model.PriceLevel) {
	slot := slotKey{price: model.PriceKey(level.Price), exchange: level.Exchange}
	if prev, ok := bs.slots[slot]; ok {
		bs.levels.Remove(levelKey{price: level.Price, quantity: prev, exchange: level.Exchange})
		delete(bs.slots, slot)
	}
	if level.Quantity.IsZero() {
		return
	}
	bs.levels.Put(levelKey{price: level.Price, quantity: level.Quantity, exchange: level.Exchange}, level)
	bs.slots[slot] = level.Quantity
}

// prune evicts worst-ranked levels until the depth bound holds. Both
// comparators place the worst element at the treemap max end.
func (bs *bookSide) prune() {
	for bs.levels.Size() > bs.depth {
		k, _ := bs.levels.Max()
		key := k.(levelKey)
		bs.levels.Remove(key)
		delete(bs.slots, slotKey{price: model.PriceKey(key.price), exchange: key.exchange})
	}
}

func (bs *bookSide) size() int {
	return bs.levels.Size()
}

// bestN returns up to n levels in side order, best first.
func (bs *bookSide) bestN(n int) []model.PriceLevel {
	out := make([]model.PriceLevel, 0, n)
	it := bs.levels.Iterator()
	for it.Next() {
		out = append(out, it.Value().(model.PriceLevel))
		if len(out) >= n {
			break
		}
	}
	return out
}

func (bs *bookSide) best() (model.PriceLevel, bool) {
	if bs.levels.Empty() {
		return model.PriceLevel{}, false
	}
	_, v := bs.levels.Min()
	return v.(model.PriceLevel), true
}
