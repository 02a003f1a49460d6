package ews

import (
	"fmt"
	"strings"
	"time"

	"github.com/beekhof/calendar-sync-engine/internal/calendar"
	"github.com/beekhof/calendar-sync-engine/internal/xmlscan"
)

const ewsTimeLayout = "2006-01-02T15:04:05Z"

const envelopeTemplate = `<?xml version="1.0" encoding="utf-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"
               xmlns:t="http://schemas.microsoft.com/exchange/services/2006/types"
               xmlns:m="http://schemas.microsoft.com/exchange/services/2006/messages">
  <soap:Header>
    <t:RequestServerVersion Version="Exchange2010_SP2"/>
    <t:TimeZoneContext><t:TimeZoneDefinition Id="UTC"/></t:TimeZoneContext>
  </soap:Header>
  <soap:Body>
%s
  </soap:Body>
</soap:Envelope>`

// itemShape lists the calendar properties read by FindItem and SyncFolderItems.
const itemShape = `<m:ItemShape>
      <t:BaseShape>IdOnly</t:BaseShape>
      <t:AdditionalProperties>
        <t:FieldURI FieldURI="item:Subject"/>
        <t:FieldURI FieldURI="calendar:Start"/>
        <t:FieldURI FieldURI="calendar:End"/>
        <t:FieldURI FieldURI="calendar:IsAllDayEvent"/>
        <t:FieldURI FieldURI="calendar:Location"/>
        <t:FieldURI FieldURI="calendar:IsCancelled"/>
      </t:AdditionalProperties>
    </m:ItemShape>`

func envelope(body string) string {
	return fmt.Sprintf(envelopeTemplate, body)
}

func getFolderRequest(mailbox string) string {
	folder := `<t:DistinguishedFolderId Id="calendar"/>`
	if mailbox != "" {
		folder = `<t:DistinguishedFolderId Id="calendar"><t:Mailbox><t:EmailAddress>` +
			xmlscan.Escape(mailbox) + `</t:EmailAddress></t:Mailbox></t:DistinguishedFolderId>`
	}
	return `<m:GetFolder>
    <m:FolderShape>
      <t:BaseShape>IdOnly</t:BaseShape>
      <t:AdditionalProperties><t:FieldURI FieldURI="folder:DisplayName"/></t:AdditionalProperties>
    </m:FolderShape>
    <m:FolderIds>` + folder + `</m:FolderIds>
  </m:GetFolder>`
}

func findItemRequest(folderID string, start, end time.Time, max int) string {
	return fmt.Sprintf(`<m:FindItem Traversal="Shallow">
    %s
    <m:CalendarView MaxEntriesReturned="%d" StartDate="%s" EndDate="%s"/>
    <m:ParentFolderIds><t:FolderId Id="%s"/></m:ParentFolderIds>
  </m:FindItem>`, itemShape, max, start.UTC().Format(ewsTimeLayout), end.UTC().Format(ewsTimeLayout), xmlscan.Escape(folderID))
}

func syncFolderItemsRequest(folderID, syncState string, max int) string {
	state := ""
	if syncState != "" {
		state = "<m:SyncState>" + xmlscan.Escape(syncState) + "</m:SyncState>"
	}
	return fmt.Sprintf(`<m:SyncFolderItems>
    %s
    <m:SyncFolderId><t:FolderId Id="%s"/></m:SyncFolderId>
    %s
    <m:MaxChangesReturned>%d</m:MaxChangesReturned>
  </m:SyncFolderItems>`, itemShape, xmlscan.Escape(folderID), state, max)
}

func getItemBodiesRequest(ids []string) string {
	var b strings.Builder
	for _, id := range ids {
		b.WriteString(`<t:ItemId Id="` + xmlscan.Escape(id) + `"/>`)
	}
	return `<m:GetItem>
    <m:ItemShape>
      <t:BaseShape>IdOnly</t:BaseShape>
      <t:BodyType>Text</t:BodyType>
      <t:AdditionalProperties><t:FieldURI FieldURI="item:Body"/></t:AdditionalProperties>
    </m:ItemShape>
    <m:ItemIds>` + b.String() + `</m:ItemIds>
  </m:GetItem>`
}

// responseMessage returns the named response message, or an *Error when the
// server reported ResponseClass="Error".
func responseMessage(doc, name string) (string, error) {
	msg, ok := xmlscan.First(doc, name)
	if !ok {
		return "", fmt.Errorf("ews: response has no %s", name)
	}
	if msg.Attr("ResponseClass") == "Error" {
		return "", &Error{
			Code:    xmlscan.Text(msg.Inner, "ResponseCode"),
			Message: xmlscan.Text(msg.Inner, "MessageText"),
		}
	}
	return msg.Inner, nil
}

// faultError extracts a SOAP fault or error response from a 500 body.
func faultError(doc string) error {
	if code := xmlscan.Text(doc, "ResponseCode"); code != "" {
		return &Error{Code: code, Message: xmlscan.Text(doc, "MessageText")}
	}
	if fault := xmlscan.Text(doc, "faultstring"); fault != "" {
		return &Error{Code: "SoapFault", Message: fault}
	}
	return &Error{Code: "ServerError"}
}

// item is a calendar item as returned in FindItem, SyncFolderItems and GetItem responses.
type item struct {
	ID          string
	Subject     string
	Location    string
	Start       string
	End         string
	AllDay      bool
	IsCancelled bool
	Body        string
}

func parseItem(inner string) item {
	id, _ := xmlscan.First(inner, "ItemId")
	body := ""
	if el, ok := xmlscan.First(inner, "Body"); ok {
		body = el.Text()
	}
	return item{
		ID:          id.Attr("Id"),
		Subject:     xmlscan.Text(inner, "Subject"),
		Location:    xmlscan.Text(inner, "Location"),
		Start:       xmlscan.Text(inner, "Start"),
		End:         xmlscan.Text(inner, "End"),
		AllDay:      strings.EqualFold(xmlscan.Text(inner, "IsAllDayEvent"), "true"),
		IsCancelled: strings.EqualFold(xmlscan.Text(inner, "IsCancelled"), "true"),
		Body:        body,
	}
}

func calendarItems(doc string) []item {
	var out []item
	for _, el := range xmlscan.Elements(doc, "CalendarItem") {
		out = append(out, parseItem(el.Inner))
	}
	return out
}

func (it item) normalize() (calendar.NormalizedEvent, error) {
	if it.IsCancelled {
		return calendar.Tombstone(it.ID), nil
	}
	start, err := time.Parse(time.RFC3339, it.Start)
	if err != nil {
		return calendar.NormalizedEvent{}, fmt.Errorf("item %s: start: %w", it.ID, err)
	}
	end, err := time.Parse(time.RFC3339, it.End)
	if err != nil {
		end = start
	}
	start, end = start.UTC(), end.UTC()
	if it.AllDay {
		start, end = nearestMidnight(start), nearestMidnight(end)
	}
	return calendar.NormalizedEvent{
		ExternalID:  it.ID,
		Title:       it.Subject,
		Description: calendar.StringPtr(it.Body),
		Location:    calendar.StringPtr(it.Location),
		StartAt:     start,
		EndAt:       end,
		AllDay:      it.AllDay,
	}, nil
}

// nearestMidnight maps the UTC instant of a mailbox-local midnight back to
// the calendar date it names.
func nearestMidnight(t time.Time) time.Time {
	return t.Add(12 * time.Hour).Truncate(24 * time.Hour)
}

func isTrue(doc, local string) bool {
	return strings.EqualFold(xmlscan.Text(doc, local), "true")
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(time.RFC3339, v)
}
