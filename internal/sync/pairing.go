package sync

import (
	"fmt"
	"io"
	"sort"

	"github.com/njoerd114/taskmirror/internal/model"
)

// Pair is a remote calendar and its local counterpart, matched by URL.
type Pair struct {
	Remote *model.Calendar
	Local  *model.Calendar
}

// Pairing is the result of matching the calendars of both replicas.
type Pairing struct {
	Pairs      []Pair
	RemoteOnly []*model.Calendar
	LocalOnly  []*model.Calendar
}

// PairCalendars matches calendars by URL. Every output slice is ordered by
// URL so that passes process calendars deterministically.
func PairCalendars(remote, local []*model.Calendar) Pairing {
	var p Pairing

	localByURL := make(map[string]*model.Calendar, len(local))
	for _, cal := range local {
		localByURL[cal.URL()] = cal
	}

	matched := make(map[string]bool, len(remote))
	for _, cal := range remote {
		if l, ok := localByURL[cal.URL()]; ok {
			p.Pairs = append(p.Pairs, Pair{Remote: cal, Local: l})
			matched[cal.URL()] = true
		} else {
			p.RemoteOnly = append(p.RemoteOnly, cal)
		}
	}
	for _, cal := range local {
		if !matched[cal.URL()] {
			p.LocalOnly = append(p.LocalOnly, cal)
		}
	}

	sort.Slice(p.Pairs, func(i, j int) bool { return p.Pairs[i].Remote.URL() < p.Pairs[j].Remote.URL() })
	sortCalendars(p.RemoteOnly)
	sortCalendars(p.LocalOnly)
	return p
}

// without drops every calendar whose URL is in skip, from both sides.
func (p Pairing) without(skip map[string]error) Pairing {
	if len(skip) == 0 {
		return p
	}
	var out Pairing
	for _, pair := range p.Pairs {
		if _, ok := skip[pair.Remote.URL()]; !ok {
			out.Pairs = append(out.Pairs, pair)
		}
	}
	keep := func(cals []*model.Calendar) []*model.Calendar {
		var kept []*model.Calendar
		for _, cal := range cals {
			if _, ok := skip[cal.URL()]; !ok {
				kept = append(kept, cal)
			}
		}
		return kept
	}
	out.RemoteOnly = keep(p.RemoteOnly)
	out.LocalOnly = keep(p.LocalOnly)
	return out
}

// WriteSummary writes a human-readable table of the pairing.
func (p Pairing) WriteSummary(w io.Writer) {
	for _, pair := range p.Pairs {
		_, _ = fmt.Fprintf(w, "%s (%s)\n", pair.Remote.Name(), pair.Remote.URL())
		_, _ = fmt.Fprintf(w, "  remote: %d items, local: %d items, %d local tombstones\n",
			pair.Remote.Len(), pair.Local.Len(), len(pair.Local.Tombstones()))
	}
	for _, cal := range p.RemoteOnly {
		_, _ = fmt.Fprintf(w, "%s (%s)\n  remote only: %d items, not synced\n", cal.Name(), cal.URL(), cal.Len())
	}
	for _, cal := range p.LocalOnly {
		_, _ = fmt.Fprintf(w, "%s (%s)\n  local only: %d items, not synced\n", cal.Name(), cal.URL(), cal.Len())
	}
	_, _ = fmt.Fprintf(w, "\nTotal: %d paired, %d remote only, %d local only\n",
		len(p.Pairs), len(p.RemoteOnly), len(p.LocalOnly))
}

// duplicateIdentities returns, for each calendar whose live items share an
// identity with an earlier calendar of the same replica, the first such
// identity. Calendars are visited in the given order.
func duplicateIdentities(cals []*model.Calendar) map[string]model.ItemID {
	owner := make(map[model.ItemID]string)
	dups := make(map[string]model.ItemID)
	for _, cal := range cals {
		for _, item := range cal.Items() {
			if prev, ok := owner[item.ID]; ok && prev != cal.URL() {
				if _, seen := dups[cal.URL()]; !seen {
					dups[cal.URL()] = item.ID
				}
				continue
			}
			owner[item.ID] = cal.URL()
		}
	}
	return dups
}

func sortCalendars(cals []*model.Calendar) {
	sort.Slice(cals, func(i, j int) bool { return cals[i].URL() < cals[j].URL() })
}
