package feishu

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// CalendarEvent is the input for creating one calendar event.
type CalendarEvent struct {
	Summary     string
	Description string
	StartMs     int64
	EndMs       int64
}

// PrimaryCalendarID resolves the app's primary calendar.
func (c *Client) PrimaryCalendarID(ctx context.Context) (string, error) {
	var data struct {
		Calendars []struct {
			Calendar struct {
				CalendarID string `json:"calendar_id"`
			} `json:"calendar"`
		} `json:"calendars"`
	}
	if err := c.do(ctx, http.MethodPost, "/calendar/v4/calendars/primary", nil, &data); err != nil {
		return "", err
	}
	if len(data.Calendars) == 0 {
		return "", fmt.Errorf("no primary calendar available")
	}
	return data.Calendars[0].Calendar.CalendarID, nil
}

// CreateCalendarEvent creates one event and returns its id.
func (c *Client) CreateCalendarEvent(ctx context.Context, calendarID string, ev CalendarEvent) (string, error) {
	if ev.StartMs <= 0 || ev.EndMs <= 0 {
		return "", fmt.Errorf("calendar event requires start and end times")
	}
	path := fmt.Sprintf("/calendar/v4/calendars/%s/events", url.PathEscape(calendarID))
	body := map[string]any{
		"summary":     ev.Summary,
		"description": ev.Description,
		"start_time":  map[string]string{"timestamp": strconv.FormatInt(ev.StartMs/1000, 10)},
		"end_time":    map[string]string{"timestamp": strconv.FormatInt(ev.EndMs/1000, 10)},
	}
	var data struct {
		Event struct {
			EventID string `json:"event_id"`
		} `json:"event"`
	}
	if err := c.do(ctx, http.MethodPost, path, body, &data); err != nil {
		return "", err
	}
	return data.Event.EventID, nil
}
