package pwp

import (
	"context"
	"math/rand"
	"sort"
	"time"
)

// chokeLoop runs the tit-for-tat core every ChokeInterval: among
// interested peers, the top 4 by last-interval download rate are
// unchoked; everyone else is choked.
func (e *Engine) chokeLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ChokeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.chokeTick()
		}
	}
}

func (e *Engine) chokeTick() {
	peers := e.Peers()
	interested := make([]*PeerConnection, 0, len(peers))
	for _, pc := range peers {
		if pc.PeerInterested() {
			interested = append(interested, pc)
		}
	}
	sort.Slice(interested, func(i, j int) bool {
		return interested[i].DownloadRate() > interested[j].DownloadRate()
	})

	const topN = 4
	unchoked := make(map[*PeerConnection]bool, topN)
	for i := 0; i < len(interested) && i < topN; i++ {
		unchoked[interested[i]] = true
	}

	for _, pc := range peers {
		if unchoked[pc] {
			if pc.ChokedByUs() {
				pc.SetChokedByUs(false)
				pc.Send(UnchokeMsg())
			}
		} else {
			if !pc.ChokedByUs() {
				pc.SetChokedByUs(true)
				pc.Send(ChokeMsg())
			}
		}
	}
}

// optimisticLoop runs the optimistic-unchoke slot every
// OptimisticInterval, phase-offset from the tit-for-tat tick: one
// currently-choked interested peer is chosen uniformly at random and
// unchoked, overriding the tit-for-tat choice for that peer until the
// next tick.
func (e *Engine) optimisticLoop(ctx context.Context) {
	timer := time.NewTimer(e.cfg.OptimisticInterval / 2)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			e.optimisticTick()
			timer.Reset(e.cfg.OptimisticInterval)
		}
	}
}

func (e *Engine) optimisticTick() {
	var candidates []*PeerConnection
	for _, pc := range e.Peers() {
		if pc.PeerInterested() && pc.ChokedByUs() {
			candidates = append(candidates, pc)
		}
	}
	if len(candidates) == 0 {
		return
	}
	chosen := candidates[rand.Intn(len(candidates))]
	chosen.SetChokedByUs(false)
	chosen.Send(UnchokeMsg())
}

// keepAliveCheckInterval is how often the engine scans for peers that
// have gone quiet past KeepAliveInterval; it runs more often than the
// timeout itself so a stale connection isn't kept alive much longer
// than the configured bound.
const keepAliveCheckInterval = 30 * time.Second

// keepAliveLoop closes any connection that hasn't sent a message within
// KeepAliveInterval, per the peer keep-alive timeout.
func (e *Engine) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(keepAliveCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.keepAliveTick()
		}
	}
}

func (e *Engine) keepAliveTick() {
	for _, pc := range e.Peers() {
		if time.Since(pc.LastActivity()) > e.cfg.KeepAliveInterval {
			e.log.WithField("peer", pc.Addr()).Debug("pwp: closing connection, keep-alive timeout")
			pc.Close()
		}
	}
}
