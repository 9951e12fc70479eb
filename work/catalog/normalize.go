package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"

	"stalker-proxy/work/types"
)

// record is a channel as read from the portal, before URL resolution.
type record struct {
	ID      string
	Number  string
	Name    string
	Cmd     string
	Logo    string
	GenreID string
	Group   string
}

// recordShapes are the channel record layouts portals are known to send, tried in order.
var recordShapes = []func(json.RawMessage) (record, bool){
	objectRecord,
	positionalRecord,
}

// objectRecord reads {"name": ..., "cmd": ..., "logo": ..., "tv_genre_id": ...}.
func objectRecord(raw json.RawMessage) (record, bool) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return record{}, false
	}
	rec := record{
		ID:      flexString(m["id"]),
		Number:  flexString(m["number"]),
		Name:    flexString(m["name"]),
		Cmd:     flexString(m["cmd"]),
		Logo:    flexString(m["logo"]),
		GenreID: flexString(m["tv_genre_id"]),
		Group:   firstNonEmpty(flexString(m["group"]), flexString(m["genre"]), flexString(m["genre_title"])),
	}
	if rec.Cmd == "" {
		rec.Cmd = flexString(m["url"])
	}
	if rec.Cmd == "" {
		return record{}, false
	}
	return rec, true
}

// positionalRecord reads ["name", "cmd", "logo"?, "group"?].
func positionalRecord(raw json.RawMessage) (record, bool) {
	var fields []json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || len(fields) < 2 {
		return record{}, false
	}
	rec := record{
		Name: flexString(fields[0]),
		Cmd:  flexString(fields[1]),
	}
	if len(fields) > 2 {
		rec.Logo = flexString(fields[2])
	}
	if len(fields) > 3 {
		rec.Group = flexString(fields[3])
	}
	if rec.Cmd == "" {
		return record{}, false
	}
	return rec, true
}

// Normalize turns the `js` payload of get_all_channels into channels. Records that match
// no known shape, or whose command has no playable URL, are dropped and reported one by
// one; the rest of the list survives. The returned error is set only when the container
// itself is unreadable.
func Normalize(endpoint string, js json.RawMessage, genres map[string]string) ([]types.Channel, []error, error) {
	items, labels, err := container(js)
	if err != nil {
		return nil, nil, err
	}

	channels := make([]types.Channel, 0, len(items))
	var dropped []error
	for i, raw := range items {
		rec, ok := parseRecord(raw)
		if !ok {
			dropped = append(dropped, &types.ChannelFormatError{Index: labels[i], Reason: "unrecognized record shape"})
			continue
		}
		streamURL, ok := ResolveCommand(endpoint, rec.Cmd)
		if !ok {
			dropped = append(dropped, &types.ChannelFormatError{Index: labels[i], Reason: "no stream url in command"})
			continue
		}

		name := strings.TrimSpace(rec.Name)
		if name == "" {
			name = firstNonEmpty(rec.Number, rec.ID, "NoName")
		}
		group := strings.TrimSpace(rec.Group)
		if group == "" && rec.GenreID != "" {
			group = genres[rec.GenreID]
		}

		channels = append(channels, types.Channel{
			ID:      rec.ID,
			Number:  rec.Number,
			Name:    name,
			Command: rec.Cmd,
			URL:     streamURL,
			Logo:    ResolveLogo(endpoint, rec.Logo),
			Group:   group,
		})
	}
	return channels, dropped, nil
}

func parseRecord(raw json.RawMessage) (record, bool) {
	for _, shape := range recordShapes {
		if rec, ok := shape(raw); ok {
			return rec, true
		}
	}
	return record{}, false
}

// container unwraps the record collection: {"data": [...]}, {"data": {"1": {...}}}, a bare
// array, or a single record object.
func container(js json.RawMessage) ([]json.RawMessage, []string, error) {
	js = bytes.TrimSpace(js)
	if len(js) == 0 {
		return nil, nil, errors.New("empty channel payload")
	}

	switch js[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(js, &items); err != nil {
			return nil, nil, err
		}
		return items, indexLabels(len(items)), nil

	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(js, &obj); err != nil {
			return nil, nil, err
		}
		payload := js
		if data, ok := obj["data"]; ok {
			data = bytes.TrimSpace(data)
			if len(data) == 0 || string(data) == "null" {
				return nil, nil, nil
			}
			if data[0] == '[' {
				var items []json.RawMessage
				if err := json.Unmarshal(data, &items); err != nil {
					return nil, nil, err
				}
				return items, indexLabels(len(items)), nil
			}
			obj = nil
			if err := json.Unmarshal(data, &obj); err != nil {
				return nil, nil, err
			}
			payload = data
		}
		if _, single := obj["cmd"]; single {
			return []json.RawMessage{payload}, []string{"0"}, nil
		}
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sortKeys(keys)
		items := make([]json.RawMessage, len(keys))
		for i, k := range keys {
			items[i] = obj[k]
		}
		return items, keys, nil
	}
	return nil, nil, errors.New("channel payload is neither an array nor an object")
}

// sortKeys puts numeric keys first in numeric order, then the rest lexically.
func sortKeys(keys []string) {
	sort.Slice(keys, func(i, j int) bool {
		a, errA := strconv.Atoi(keys[i])
		b, errB := strconv.Atoi(keys[j])
		switch {
		case errA == nil && errB == nil:
			return a < b
		case errA == nil:
			return true
		case errB == nil:
			return false
		}
		return keys[i] < keys[j]
	})
}

func indexLabels(n int) []string {
	labels := make([]string, n)
	for i := range labels {
		labels[i] = strconv.Itoa(i)
	}
	return labels
}

// flexString decodes a JSON string or number; anything else reads as "".
func flexString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
