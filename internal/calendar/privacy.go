package calendar

// BusyTitle replaces event titles on calendars in busy/free mode.
const BusyTitle = "Busy"

// ApplyPrivacy masks event content for calendars in busy/free mode.
// Tombstones pass through untouched.
func ApplyPrivacy(mode PrivacyMode, events []NormalizedEvent) []NormalizedEvent {
	if mode != PrivacyBusyFreeOnly {
		return events
	}
	for i := range events {
		if events[i].IsCancelled {
			continue
		}
		events[i].Title = BusyTitle
		events[i].Description = nil
		events[i].Location = nil
	}
	return events
}
