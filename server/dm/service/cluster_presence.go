package service

import (
	"sort"

	"dm_server/server/dm/domain"
)

// clusterPresence merges the registry snapshots every process shares over
// the bus. A user is online while any process holds a session for them.
type clusterPresence struct {
	version   uint64
	processes map[string]processPresence
	users     []domain.PresenceStatus
}

type processPresence struct {
	version uint64
	users   []domain.PresenceStatus
}

func newClusterPresence() *clusterPresence {
	return &clusterPresence{processes: map[string]processPresence{}, users: []domain.PresenceStatus{}}
}

// apply reports false for a snapshot no newer than the one held for processID.
func (c *clusterPresence) apply(processID string, version uint64, users []domain.PresenceStatus) bool {
	if prev, ok := c.processes[processID]; ok && version <= prev.version {
		return false
	}
	c.processes[processID] = processPresence{version: version, users: users}
	c.users = mergePresence(c.processes)
	c.version++
	return true
}

func mergePresence(processes map[string]processPresence) []domain.PresenceStatus {
	merged := map[string]domain.PresenceStatus{}
	for _, p := range processes {
		for _, st := range p.users {
			cur, ok := merged[st.UserID]
			switch {
			case !ok:
				merged[st.UserID] = st
			case cur.IsOnline:
			case st.IsOnline:
				merged[st.UserID] = domain.PresenceStatus{UserID: st.UserID, IsOnline: true}
			case st.LastSeen != nil && (cur.LastSeen == nil || st.LastSeen.After(*cur.LastSeen)):
				merged[st.UserID] = st
			}
		}
	}
	out := make([]domain.PresenceStatus, 0, len(merged))
	for _, st := range merged {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
