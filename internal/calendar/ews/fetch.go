package ews

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/beekhof/calendar-sync-engine/internal/calendar"
	"github.com/beekhof/calendar-sync-engine/internal/xmlscan"

	"go.uber.org/zap"
)

const (
	viewPageSize  = 100
	syncPageSize  = 512
	bodyBatchSize = 50
	maxSyncPages  = 10000
	maxViewPages  = 1000
)

// Discover looks up the distinguished calendar folder, first addressed by
// mailbox and then without the mailbox element for servers that reject it.
// An authentication failure on the first variant resets the channel so the
// second variant starts from a fresh handshake.
func (s *session) Discover(ctx context.Context) ([]calendar.DiscoveredCalendar, error) {
	variants := []string{s.cred.Mailbox, ""}
	if s.cred.Mailbox == "" {
		variants = variants[1:]
	}

	var lastErr error
	for i, mailbox := range variants {
		last := i == len(variants)-1
		doc, err := s.call(ctx, "GetFolder", getFolderRequest(mailbox))
		if err == nil {
			var msg string
			msg, err = responseMessage(doc, "GetFolderResponseMessage")
			if err == nil {
				folder, ok := xmlscan.First(msg, "FolderId")
				if ok && folder.Attr("Id") != "" {
					name := xmlscan.Text(msg, "DisplayName")
					if name == "" {
						name = "Calendar"
					}
					return []calendar.DiscoveredCalendar{{ExternalID: folder.Attr("Id"), DisplayName: name}}, nil
				}
				err = errors.New("GetFolder response has no FolderId")
			}
		}
		lastErr = err
		if calendar.IsAuthError(err) {
			if last {
				return nil, err
			}
			s.resetChannel()
		}
		s.logger.Info("calendar folder lookup rejected", zap.Bool("with_mailbox", mailbox != ""), zap.Error(err))
	}
	return nil, &calendar.DiscoveryError{Provider: calendar.ProviderEWS, Reason: "calendar folder lookup failed", Err: lastErr}
}

// FetchEvents runs an incremental SyncFolderItems pass when a sync state is
// stored and a calendar-view full sync otherwise. A rejected sync state is
// reported through ResyncRequired with no events and no token.
func (s *session) FetchEvents(ctx context.Context, cal *calendar.Calendar) (*calendar.FetchResult, error) {
	folderID := cal.ExternalCalendarID

	if cal.LastSyncToken != nil && *cal.LastSyncToken != "" {
		events, state, err := s.syncChanges(ctx, folderID, *cal.LastSyncToken, cal.PrivacyMode)
		switch {
		case err == nil:
			return &calendar.FetchResult{
				Events:        calendar.ApplyPrivacy(cal.PrivacyMode, events),
				NextSyncToken: calendar.StringPtr(state),
			}, nil
		case isInvalidSyncState(err):
			s.logger.Info("sync state rejected, full sync required", zap.String("folder", folderID))
			s.resetChannel()
			return &calendar.FetchResult{ResyncRequired: true}, nil
		case calendar.IsAuthError(err):
			s.logger.Warn("authentication failed during incremental sync, retrying as full sync on a new channel", zap.Error(err))
			s.resetChannel()
		default:
			return nil, err
		}
	}

	events, err := s.calendarView(ctx, folderID, cal.PrivacyMode)
	if err != nil {
		return nil, err
	}

	state, err := s.bootstrapSyncState(ctx, folderID)
	if err != nil {
		if calendar.IsAuthError(err) {
			return nil, err
		}
		s.logger.Warn("failed to establish sync state, next sync will be a full sync", zap.String("folder", folderID), zap.Error(err))
		state = ""
	}

	return &calendar.FetchResult{
		Events:        calendar.ApplyPrivacy(cal.PrivacyMode, events),
		NextSyncToken: calendar.StringPtr(state),
	}, nil
}

// calendarView pages a FindItem calendar view over the sync window. The
// server expands recurring series into occurrences. Each page starts at the
// last item returned by the previous one and already-seen items are skipped.
func (s *session) calendarView(ctx context.Context, folderID string, mode calendar.PrivacyMode) ([]calendar.NormalizedEvent, error) {
	from, to := calendar.SyncWindow(s.now())
	seen := map[string]bool{}
	var items []item

	for page := 0; page < maxViewPages; page++ {
		doc, err := s.call(ctx, "FindItem", findItemRequest(folderID, from, to, viewPageSize))
		if err != nil {
			return nil, err
		}
		msg, err := responseMessage(doc, "FindItemResponseMessage")
		if err != nil {
			return nil, err
		}
		root, ok := xmlscan.First(msg, "RootFolder")
		if !ok {
			return nil, &calendar.ProviderError{Provider: calendar.ProviderEWS, Op: "FindItem", Err: errors.New("response has no RootFolder")}
		}

		added := 0
		pageItems := calendarItems(root.Inner)
		for _, it := range pageItems {
			if it.ID == "" || seen[it.ID] {
				continue
			}
			seen[it.ID] = true
			items = append(items, it)
			added++
		}
		if root.Attr("IncludesLastItemInRange") != "false" || added == 0 {
			break
		}

		next, err := parseTime(pageItems[len(pageItems)-1].Start)
		if err != nil || !next.After(from) {
			break
		}
		from = next
	}

	return s.normalizeItems(ctx, items, mode)
}

// syncChanges pages SyncFolderItems from state until the server reports the
// last item in range, returning the changes in server order and the final state.
func (s *session) syncChanges(ctx context.Context, folderID, state string, mode calendar.PrivacyMode) ([]calendar.NormalizedEvent, string, error) {
	var (
		live       []item
		changeList []change
	)
	for page := 0; ; page++ {
		if page >= maxSyncPages {
			return nil, "", &calendar.ProviderError{Provider: calendar.ProviderEWS, Op: "SyncFolderItems", Err: fmt.Errorf("no last item after %d pages", maxSyncPages)}
		}
		res, err := s.syncPage(ctx, folderID, state)
		if err != nil {
			return nil, "", err
		}
		changeList = append(changeList, res.changes...)
		state = res.state
		if res.last {
			break
		}
	}

	for _, c := range changeList {
		if !c.deleted {
			live = append(live, c.item)
		}
	}
	if mode != calendar.PrivacyBusyFreeOnly {
		if err := s.attachBodies(ctx, live); err != nil {
			return nil, "", err
		}
	}
	bodies := make(map[string]string, len(live))
	for _, it := range live {
		bodies[it.ID] = it.Body
	}

	var events []calendar.NormalizedEvent
	for _, c := range changeList {
		if c.deleted {
			events = append(events, calendar.Tombstone(c.item.ID))
			continue
		}
		c.item.Body = bodies[c.item.ID]
		ev, err := c.item.normalize()
		if err != nil {
			s.logger.Warn("skipping item", zap.Error(err))
			continue
		}
		events = append(events, ev)
	}
	return events, state, nil
}

// bootstrapSyncState pages SyncFolderItems with no prior state until
// exhausted and returns the resulting state. The changes are discarded: the
// calendar view has already supplied the events.
func (s *session) bootstrapSyncState(ctx context.Context, folderID string) (string, error) {
	state := ""
	for page := 0; page < maxSyncPages; page++ {
		res, err := s.syncPage(ctx, folderID, state)
		if err != nil {
			return "", err
		}
		state = res.state
		if res.last {
			return state, nil
		}
	}
	return "", fmt.Errorf("sync state bootstrap did not finish after %d pages", maxSyncPages)
}

type change struct {
	item    item
	deleted bool
}

type syncResult struct {
	changes []change
	state   string
	last    bool
}

func (s *session) syncPage(ctx context.Context, folderID, state string) (*syncResult, error) {
	doc, err := s.call(ctx, "SyncFolderItems", syncFolderItemsRequest(folderID, state, syncPageSize))
	if err != nil {
		return nil, err
	}
	msg, err := responseMessage(doc, "SyncFolderItemsResponseMessage")
	if err != nil {
		return nil, err
	}

	res := &syncResult{
		state: xmlscan.Text(msg, "SyncState"),
		last:  isTrue(msg, "IncludesLastItemInRange"),
	}
	if res.state == "" {
		return nil, &calendar.ProviderError{Provider: calendar.ProviderEWS, Op: "SyncFolderItems", Err: errors.New("response has no SyncState")}
	}

	changes, _ := xmlscan.First(msg, "Changes")
	type positioned struct {
		offset int
		change change
	}
	var ordered []positioned
	for _, kind := range []string{"Create", "Update"} {
		for _, el := range xmlscan.Elements(changes.Inner, kind) {
			cal, ok := xmlscan.First(el.Inner, "CalendarItem")
			if !ok {
				continue
			}
			ordered = append(ordered, positioned{el.Offset, change{item: parseItem(cal.Inner)}})
		}
	}
	for _, el := range xmlscan.Elements(changes.Inner, "Delete") {
		id, _ := xmlscan.First(el.Inner, "ItemId")
		ordered = append(ordered, positioned{el.Offset, change{item: item{ID: id.Attr("Id")}, deleted: true}})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].offset < ordered[j].offset })
	for _, p := range ordered {
		if p.change.item.ID != "" {
			res.changes = append(res.changes, p.change)
		}
	}
	return res, nil
}

func (s *session) normalizeItems(ctx context.Context, items []item, mode calendar.PrivacyMode) ([]calendar.NormalizedEvent, error) {
	if mode != calendar.PrivacyBusyFreeOnly {
		if err := s.attachBodies(ctx, items); err != nil {
			return nil, err
		}
	}
	out := make([]calendar.NormalizedEvent, 0, len(items))
	for _, it := range items {
		ev, err := it.normalize()
		if err != nil {
			s.logger.Warn("skipping item", zap.Error(err))
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// attachBodies loads plain-text bodies with batched GetItem calls. Bodies are
// optional: failures are logged and the items are kept without them. An
// authentication failure resets the channel and is returned.
func (s *session) attachBodies(ctx context.Context, items []item) error {
	index := make(map[string]int, len(items))
	ids := make([]string, 0, len(items))
	for i, it := range items {
		if it.ID == "" || it.IsCancelled {
			continue
		}
		index[it.ID] = i
		ids = append(ids, it.ID)
	}

	for start := 0; start < len(ids); start += bodyBatchSize {
		end := min(start+bodyBatchSize, len(ids))
		doc, err := s.call(ctx, "GetItem", getItemBodiesRequest(ids[start:end]))
		if calendar.IsAuthError(err) {
			s.resetChannel()
			return err
		}
		if err != nil {
			s.logger.Warn("failed to load item bodies", zap.Error(err))
			return nil
		}
		for _, it := range calendarItems(doc) {
			if i, ok := index[it.ID]; ok {
				items[i].Body = it.Body
			}
		}
	}
	return nil
}
