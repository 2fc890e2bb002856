package statemanager

import "fmt"

// CheckConsistency verifies that the forward and reverse maps mirror each other.
func CheckConsistency(m *InMemoryManager) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	forward := 0
	for channel, members := range m.channels {
		if len(members) == 0 {
			return fmt.Errorf("channel %q kept with no members", channel)
		}
		for connID, sub := range members {
			forward++
			if sub.Channel != channel || sub.ConnID != connID {
				return fmt.Errorf("forward entry %q/%d holds %+v", channel, connID, *sub)
			}
			if m.subs[connID][sub.ID] != sub {
				return fmt.Errorf("forward entry %q/%d/%s missing from reverse map", channel, connID, sub.ID)
			}
			if _, ok := m.conns[connID]; !ok {
				return fmt.Errorf("subscription held by unregistered connection %d", connID)
			}
		}
	}

	reverse := 0
	for connID, bySub := range m.subs {
		if len(bySub) == 0 {
			return fmt.Errorf("connection %d kept with no subscriptions", connID)
		}
		for subID, sub := range bySub {
			reverse++
			if sub.ID != subID || sub.ConnID != connID {
				return fmt.Errorf("reverse entry %d/%s holds %+v", connID, subID, *sub)
			}
			if m.channels[sub.Channel][connID] != sub {
				return fmt.Errorf("reverse entry %d/%s missing from forward map", connID, subID)
			}
		}
	}

	if forward != reverse {
		return fmt.Errorf("forward map has %d entries, reverse map %d", forward, reverse)
	}
	return nil
}
