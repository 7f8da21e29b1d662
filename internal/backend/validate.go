package backend

import (
	"maps"
	"slices"
	"strings"
)

// conflicts returns every (device_type, location) pair claimed by more than
// one enabled mapping. Pairs compare case-insensitively, matching the
// vocabulary rules; the reported casing is the first seen in entity-id
// order. Incomplete mappings cannot claim a pair and are skipped.
func conflicts(rec *Record) []Conflict {
	type claim struct {
		deviceType string
		location   string
		entityIDs  []string
	}
	claims := make(map[string]*claim)
	for _, entityID := range slices.Sorted(maps.Keys(rec.DeviceMappings)) {
		m := rec.DeviceMappings[entityID]
		if !m.GrammarEligible() {
			continue
		}
		key := pairKey(m.DeviceType, m.Location)
		c, ok := claims[key]
		if !ok {
			c = &claim{deviceType: m.DeviceType, location: m.Location}
			claims[key] = c
		}
		c.entityIDs = append(c.entityIDs, entityID)
	}

	var out []Conflict
	for _, c := range claims {
		if len(c.entityIDs) < 2 {
			continue
		}
		out = append(out, Conflict{
			DeviceType: c.deviceType,
			Location:   c.location,
			EntityIDs:  c.entityIDs,
		})
	}
	slices.SortFunc(out, func(a, b Conflict) int {
		if c := strings.Compare(strings.ToLower(a.DeviceType), strings.ToLower(b.DeviceType)); c != 0 {
			return c
		}
		return strings.Compare(strings.ToLower(a.Location), strings.ToLower(b.Location))
	})
	return out
}

// Resolve returns the entity behind the enabled, complete mapping matching
// the (deviceType, location) pair, ignoring case. When several mappings
// claim the pair, the smallest entity id wins so dispatch stays
// deterministic while the conflict is surfaced via ValidateMappings.
func (r *Record) Resolve(deviceType, location string) (string, DeviceMapping, bool) {
	want := pairKey(deviceType, location)
	best := ""
	var bestMapping DeviceMapping
	for entityID, m := range r.DeviceMappings {
		if !m.GrammarEligible() || pairKey(m.DeviceType, m.Location) != want {
			continue
		}
		if best == "" || entityID < best {
			best = entityID
			bestMapping = m
		}
	}
	return best, bestMapping, best != ""
}

func pairKey(deviceType, location string) string {
	return strings.ToLower(deviceType) + "\x00" + strings.ToLower(location)
}
