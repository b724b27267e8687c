package features

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/PhilippMayorov/insiderTracker/internal/labeler"
	"github.com/PhilippMayorov/insiderTracker/internal/trades"
)

type Config struct {
	Lookbacks         []time.Duration
	MinBaselineTrades int
	SharePercentile   float64
	GroupWindow       time.Duration
	// EventLeadHorizon bounds how far before an event an entry still counts as
	// positioning for it.
	EventLeadHorizon time.Duration
	Workers          int
	Labeler          *labeler.MarketLabeler
}

func DefaultConfig() Config {
	return Config{
		Lookbacks:         []time.Duration{time.Hour, 24 * time.Hour, 7 * 24 * time.Hour},
		MinBaselineTrades: 3,
		SharePercentile:   95,
		GroupWindow:       5 * time.Minute,
		EventLeadHorizon:  7 * 24 * time.Hour,
		Workers:           4,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if len(c.Lookbacks) == 0 {
		c.Lookbacks = d.Lookbacks
	}
	if c.MinBaselineTrades <= 0 {
		c.MinBaselineTrades = d.MinBaselineTrades
	}
	if c.SharePercentile <= 0 || c.SharePercentile > 100 {
		c.SharePercentile = d.SharePercentile
	}
	if c.GroupWindow <= 0 {
		c.GroupWindow = d.GroupWindow
	}
	if c.EventLeadHorizon <= 0 {
		c.EventLeadHorizon = d.EventLeadHorizon
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	return c
}

// Compute derives every wallet, market and wallet×market feature for the index window.
// Only data strictly before window end is visible. The result depends on nothing but
// idx and cfg.
func Compute(ctx context.Context, idx *trades.Index, cfg Config) (*Snapshot, error) {
	cfg = cfg.normalized()
	w := idx.Window

	contexts := tradeContexts(idx)

	wallets := idx.Wallets()
	markets := idx.Markets()
	pairs := idx.Pairs()

	walletRecs := make([]Record, len(wallets))
	marketRecs := make([]Record, len(markets))
	pairRecs := make([]Record, len(pairs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for i, wallet := range wallets {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			walletRecs[i] = walletFeatures(idx, contexts, cfg, wallet)
			return nil
		})
	}
	for i, market := range markets {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			marketRecs[i] = marketFeatures(idx, contexts, cfg, market)
			return nil
		})
	}
	for i, pair := range pairs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			pairRecs[i] = pairFeatures(idx, contexts, pair)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("compute features: %w", err)
	}

	snap := &Snapshot{
		Window:        w,
		Wallets:       make(map[string]Record, len(walletRecs)),
		Markets:       make(map[string]Record, len(marketRecs)),
		WalletMarkets: make(map[string]Record, len(pairRecs)),
		Trades:        map[string]TradeContext{},
	}
	for _, r := range walletRecs {
		snap.Wallets[r.EntityID] = r
	}
	for _, r := range marketRecs {
		snap.Markets[r.EntityID] = r
	}
	for _, r := range pairRecs {
		snap.WalletMarkets[r.EntityID] = r
	}
	_, inWindow := idx.Split(idx.All)
	for _, t := range inWindow {
		snap.Trades[t.ID] = contexts[t.ID]
	}
	id, err := snapshotID(snap)
	if err != nil {
		return nil, err
	}
	snap.ID = id
	return snap, nil
}

func snapshotID(s *Snapshot) (string, error) {
	ids := make([]string, 0, len(s.Trades))
	for id := range s.Trades {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	tcs := make([]TradeContext, 0, len(ids))
	for _, id := range ids {
		tcs = append(tcs, s.Trades[id])
	}
	raw, err := json.Marshal(struct {
		Window  string         `json:"window"`
		Records []Record       `json:"records"`
		Trades  []TradeContext `json:"trades"`
	}{s.Window.Key(), s.Records(), tcs})
	if err != nil {
		return "", fmt.Errorf("hash feature snapshot: %w", err)
	}
	sum := sha256.Sum256(raw)
	return "fs_" + hex.EncodeToString(sum[:12]), nil
}

// tradeContexts walks every market chronologically once. Price impact is the move
// from the previous fill on the same outcome; trailing volume excludes the trade itself.
func tradeContexts(idx *trades.Index) map[string]TradeContext {
	out := make(map[string]TradeContext, len(idx.All))
	for _, market := range marketIDs(idx) {
		list := idx.MarketTrades(market)
		info := idx.Market(market)
		resolution, hasResolution := info.ResolutionTime(idx.Window.End)

		lastPrice := map[string]float64{}
		var trailing float64
		lo := 0
		for i, t := range list {
			for lo < i && !list[lo].Timestamp.After(t.Timestamp.Add(-24*time.Hour)) {
				trailing -= list[lo].Notional()
				lo++
			}
			tc := TradeContext{TradeID: t.ID, MarketVolume24h: math.Max(trailing, 0)}
			if prev, ok := lastPrice[t.Outcome]; ok {
				tc.PriceImpact = math.Abs(t.PriceFloat() - prev)
				tc.HasImpact = true
			}
			lastPrice[t.Outcome] = t.PriceFloat()
			if hasResolution && resolution.After(t.Timestamp) {
				tc.TimeToResolutionSeconds = resolution.Sub(t.Timestamp).Seconds()
				tc.HasResolution = true
			}
			trailing += t.Notional()
			out[t.ID] = tc
		}
	}
	return out
}

func marketIDs(idx *trades.Index) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, t := range idx.All {
		if _, ok := seen[t.MarketID]; !ok {
			seen[t.MarketID] = struct{}{}
			out = append(out, t.MarketID)
		}
	}
	sort.Strings(out)
	return out
}

func walletFeatures(idx *trades.Index, contexts map[string]TradeContext, cfg Config, wallet string) Record {
	w := idx.Window
	rec := newRecord(EntityWallet, wallet, w)
	all := idx.WalletTrades(wallet)
	history, _ := idx.Split(all)

	for _, lb := range cfg.Lookbacks {
		from := w.End.Add(-lb)
		var count int
		var volume float64
		for _, t := range all {
			if t.Timestamp.Before(from) {
				continue
			}
			count++
			volume += t.Notional()
		}
		label := LookbackLabel(lb)
		rec.set("trade_count_"+label, Num(float64(count)))
		rec.set("rolling_volume_"+label, Num(volume))
	}

	rec.set("historical_trade_count", Num(float64(len(history))))
	var sizeSum float64
	for _, t := range history {
		sizeSum += t.Notional()
	}
	rec.setBaseline("historical_avg_trade_size", safeDiv(sizeSum, float64(len(history))), len(history), cfg.MinBaselineTrades)

	var ttr []float64
	for _, t := range history {
		if t.Side != trades.SideBuy {
			continue
		}
		if tc := contexts[t.ID]; tc.HasResolution {
			ttr = append(ttr, tc.TimeToResolutionSeconds)
		}
	}
	mean, _ := meanStd(ttr)
	rec.setBaseline("historical_avg_time_to_resolution_seconds", mean, len(ttr), cfg.MinBaselineTrades)

	leads := eventLeads(idx, history, w.Start, cfg.EventLeadHorizon)
	leadMean, leadStd := meanStd(leads)
	rec.set("historical_event_lead_samples", Num(float64(len(leads))))
	rec.setBaseline("historical_event_lead_mean_seconds", leadMean, len(leads), cfg.MinBaselineTrades)
	rec.setBaseline("historical_event_lead_std_seconds", leadStd, len(leads), cfg.MinBaselineTrades)

	markets, wins := resolvedRecord(idx, all)
	rec.set("historical_resolved_markets", Num(float64(markets)))
	rec.set("historical_resolved_wins", Num(float64(wins)))
	return rec
}

// eventLeads measures, for every labeled event before cutoff, how long before it the
// wallet last entered that market.
func eventLeads(idx *trades.Index, history []trades.TradeRecord, cutoff time.Time, horizon time.Duration) []float64 {
	byMarket := map[string][]trades.TradeRecord{}
	for _, t := range history {
		byMarket[t.MarketID] = append(byMarket[t.MarketID], t)
	}
	markets := make([]string, 0, len(byMarket))
	for m := range byMarket {
		markets = append(markets, m)
	}
	sort.Strings(markets)

	var out []float64
	for _, m := range markets {
		for _, e := range idx.Events(m) {
			if !e.At.Before(cutoff) {
				continue
			}
			if lead, ok := LastEntryLead(byMarket[m], e.At, horizon); ok {
				out = append(out, lead)
			}
		}
	}
	return out
}

// LastEntryLead returns seconds between the last entry before at and at itself.
func LastEntryLead(list []trades.TradeRecord, at time.Time, horizon time.Duration) (float64, bool) {
	var last time.Time
	for _, t := range list {
		if !t.Timestamp.Before(at) {
			break
		}
		if t.Side == trades.SideBuy {
			last = t.Timestamp
		}
	}
	if last.IsZero() || at.Sub(last) > horizon {
		return 0, false
	}
	return at.Sub(last).Seconds(), true
}

// resolvedRecord counts markets resolved before window end where the wallet held a net
// directional view before resolution, and how many of those views won.
func resolvedRecord(idx *trades.Index, list []trades.TradeRecord) (markets, wins int) {
	net := map[string]float64{}
	var order []string
	for _, t := range list {
		info := idx.Market(t.MarketID)
		if !info.ResolvedBy(idx.Window.End) || !t.Timestamp.Before(info.ResolvedAt) {
			continue
		}
		if _, ok := net[t.MarketID]; !ok {
			order = append(order, t.MarketID)
		}
		if t.Backs(info.WinningOutcome) {
			net[t.MarketID] += t.Notional()
		} else {
			net[t.MarketID] -= t.Notional()
		}
	}
	for _, m := range order {
		switch {
		case net[m] > 0:
			markets++
			wins++
		case net[m] < 0:
			markets++
		}
	}
	return markets, wins
}

func marketFeatures(idx *trades.Index, contexts map[string]TradeContext, cfg Config, market string) Record {
	w := idx.Window
	rec := newRecord(EntityMarket, market, w)
	all := idx.MarketTrades(market)
	history, window := idx.Split(all)
	info := idx.Market(market)

	var windowVol float64
	wallets := map[string]struct{}{}
	for _, t := range window {
		windowVol += t.Notional()
		wallets[t.Wallet] = struct{}{}
	}
	rec.set("window_volume", Num(windowVol))
	rec.set("window_trade_count", Num(float64(len(window))))
	rec.set("window_unique_wallets", Num(float64(len(wallets))))

	var histVol, rolling float64
	for _, t := range history {
		histVol += t.Notional()
	}
	for _, t := range all {
		if !t.Timestamp.Before(w.End.Add(-24 * time.Hour)) {
			rolling += t.Notional()
		}
	}
	rec.set("historical_volume", Num(histVol))
	rec.set("rolling_volume_24h", Num(rolling))

	shares := walletShares(history)
	rec.setBaseline(ShareFeature(cfg.SharePercentile), Percentile(shares, cfg.SharePercentile), len(shares), cfg.MinBaselineTrades)

	var impacts []float64
	for _, t := range history {
		if tc := contexts[t.ID]; tc.HasImpact {
			impacts = append(impacts, tc.PriceImpact)
		}
	}
	impactMean, _ := meanStd(impacts)
	rec.setBaseline("historical_avg_price_impact", impactMean, len(impacts), cfg.MinBaselineTrades)

	groups := make([]float64, 0, len(history))
	for i := range history {
		groups = append(groups, float64(GroupSize(history, i, cfg.GroupWindow)))
	}
	groupMean, _ := meanStd(groups)
	rec.setBaseline("historical_group_size_baseline", groupMean, len(groups), cfg.MinBaselineTrades)

	if resolution, ok := info.ResolutionTime(w.End); ok {
		rec.set("time_to_resolution_seconds", Num(resolution.Sub(w.End).Seconds()))
	} else {
		rec.set("time_to_resolution_seconds", Insufficient())
	}
	if info.ResolvedBy(w.End) {
		rec.set("resolved", Num(1))
		rec.set("winning_outcome", Cat(info.WinningOutcome))
	} else {
		rec.set("resolved", Num(0))
	}

	label := cfg.Labeler.Classify(info.Question, info.Tags)
	rec.set("insider_sensitivity", Cat(string(label.Sensitivity)))
	rec.set("insider_sensitivity_score", Num(label.Sensitivity.Score()))
	return rec
}

// walletShares is each wallet's share of the given trades' notional, sorted ascending.
func walletShares(list []trades.TradeRecord) []float64 {
	vol := map[string]float64{}
	var total float64
	for _, t := range list {
		vol[t.Wallet] += t.Notional()
		total += t.Notional()
	}
	if total <= 0 {
		return nil
	}
	out := make([]float64, 0, len(vol))
	for _, v := range vol {
		out = append(out, v/total)
	}
	sort.Float64s(out)
	return out
}

// GroupSize counts distinct wallets that traded in the same direction as list[i]
// within the preceding group window, list[i]'s wallet included.
func GroupSize(list []trades.TradeRecord, i int, window time.Duration) int {
	anchor := list[i]
	seen := map[string]struct{}{anchor.Wallet: {}}
	from := anchor.Timestamp.Add(-window)
	for j := i - 1; j >= 0; j-- {
		t := list[j]
		if t.Timestamp.Before(from) {
			break
		}
		if t.Direction() == anchor.Direction() {
			seen[t.Wallet] = struct{}{}
		}
	}
	return len(seen)
}

func pairFeatures(idx *trades.Index, contexts map[string]TradeContext, pair trades.PairKey) Record {
	w := idx.Window
	rec := newRecord(EntityWalletMarket, WalletMarketID(pair.Wallet, pair.MarketID), w)
	own := idx.PairWindowTrades(pair)
	_, marketWindow := idx.Split(idx.MarketTrades(pair.MarketID))
	info := idx.Market(pair.MarketID)

	var vol, signed float64
	var impacts []float64
	for _, t := range own {
		vol += t.Notional()
		signed += float64(t.Direction()) * t.Notional()
		if tc := contexts[t.ID]; tc.HasImpact {
			impacts = append(impacts, tc.PriceImpact)
		}
	}
	var marketVol float64
	for _, t := range marketWindow {
		marketVol += t.Notional()
	}
	rec.set("window_volume", Num(vol))
	rec.set("window_trade_count", Num(float64(len(own))))
	rec.set("share_of_window_volume", Num(safeDiv(vol, marketVol)))
	rec.set("net_direction", Num(safeDiv(signed, vol)))
	if len(impacts) > 0 {
		m, _ := meanStd(impacts)
		rec.set("avg_price_impact", Num(m))
	}
	if len(own) > 0 {
		if tc := contexts[own[0].ID]; tc.HasResolution {
			rec.set("time_to_resolution_at_first_trade_seconds", Num(tc.TimeToResolutionSeconds))
		}
	}

	if info.ResolvedBy(w.End) {
		var ownWin, marketWin float64
		for _, t := range own {
			if t.Backs(info.WinningOutcome) {
				ownWin += t.Notional()
			}
		}
		for _, t := range marketWindow {
			if t.Backs(info.WinningOutcome) {
				marketWin += t.Notional()
			}
		}
		rec.set("winning_outcome_volume", Num(ownWin))
		rec.set("winning_outcome_share", Num(safeDiv(ownWin, marketWin)))
	}
	return rec
}

// Percentile interpolates linearly between closest ranks of sorted xs.
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if hi >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		sq += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(sq / float64(len(xs)))
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}
