package tracker

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/wilhg/footprint/pkg/adapters/geo"
	"github.com/wilhg/footprint/pkg/errmodel"
	"github.com/wilhg/footprint/pkg/store"
)

// Attr is the symbolic form of an attribute key. Bags keyed by Attr and bags
// keyed by plain strings normalize to the same Attributes.
type Attr string

const (
	AttrIP            Attr = "ip"
	AttrEventType     Attr = "event_type"
	AttrPerformer     Attr = "performer"
	AttrPerformerType Attr = "performer_type"
	AttrPerformerID   Attr = "performer_id"
	AttrMetadata      Attr = "metadata"
	AttrOccurredAt    Attr = "occurred_at"
	AttrCountryCode   Attr = "country_code"
	AttrCountryName   Attr = "country_name"
	AttrCity          Attr = "city"
	AttrRegion        Attr = "region"
	AttrContinent     Attr = "continent"
	AttrTimezone      Attr = "timezone"
	AttrLatitude      Attr = "latitude"
	AttrLongitude     Attr = "longitude"
	// AttrGeoAttempted marks a bag whose geolocation already ran before handoff.
	AttrGeoAttempted Attr = "geo_attempted"
)

// TimeFormat is the textual timestamp format used across the queue boundary.
const TimeFormat = time.RFC3339Nano

// Attributes is a normalized attribute bag.
type Attributes struct {
	IP           string
	EventType    string
	Performer    *store.Reference
	Metadata     map[string]any
	OccurredAt   time.Time
	Geo          *geo.Location
	GeoAttempted bool
}

// Footprint builds an unsaved record for owner.
func (a Attributes) Footprint(owner store.Reference) *store.Footprint {
	return &store.Footprint{
		Owner:      owner,
		Performer:  a.Performer,
		IP:         a.IP,
		EventType:  a.EventType,
		Metadata:   a.Metadata,
		OccurredAt: a.OccurredAt,
		Geo:        a.Geo,
	}
}

// Map renders the bag in its serialization-safe form: string keys, JSON
// values and occurred_at as TimeFormat text.
func (a Attributes) Map() map[string]any {
	m := map[string]any{
		string(AttrIP):        a.IP,
		string(AttrEventType): a.EventType,
		string(AttrMetadata):  a.Metadata,
	}
	if a.Metadata == nil {
		m[string(AttrMetadata)] = map[string]any{}
	}
	if !a.OccurredAt.IsZero() {
		m[string(AttrOccurredAt)] = a.OccurredAt.UTC().Format(TimeFormat)
	}
	if a.Performer != nil {
		m[string(AttrPerformer)] = map[string]any{"type": a.Performer.Type, "id": a.Performer.ID}
	}
	if g := a.Geo; g != nil {
		put := func(k Attr, v string) {
			if v != "" {
				m[string(k)] = v
			}
		}
		put(AttrCountryCode, g.CountryCode)
		put(AttrCountryName, g.CountryName)
		put(AttrCity, g.City)
		put(AttrRegion, g.Region)
		put(AttrContinent, g.Continent)
		put(AttrTimezone, g.Timezone)
		if g.Latitude != nil {
			m[string(AttrLatitude)] = *g.Latitude
		}
		if g.Longitude != nil {
			m[string(AttrLongitude)] = *g.Longitude
		}
	}
	if a.GeoAttempted {
		m[string(AttrGeoAttempted)] = true
	}
	return m
}

// NormalizeAttributes accepts a bag keyed by string or by Attr, including
// nested metadata in either form, and returns the typed attributes. A textual
// occurred_at is parsed; a time.Time passes through unchanged.
func NormalizeAttributes(in any) (Attributes, error) {
	bag, err := stringKeys(in)
	if err != nil {
		return Attributes{}, invalid("attributes", err.Error())
	}
	var (
		a   Attributes
		loc geo.Location
	)
	for _, k := range sortedKeys(bag) {
		v := bag[k]
		var err error
		switch Attr(k) {
		case AttrIP:
			a.IP, err = str(k, v)
		case AttrEventType:
			a.EventType, err = str(k, v)
		case AttrPerformer:
			a.Performer, err = reference(v)
		case AttrPerformerType, AttrPerformerID:
			// handled below with the pair
		case AttrMetadata:
			a.Metadata, err = metadata(v)
		case AttrOccurredAt:
			a.OccurredAt, err = timestamp(v)
		case AttrCountryCode:
			loc.CountryCode, err = str(k, v)
		case AttrCountryName:
			loc.CountryName, err = str(k, v)
		case AttrCity:
			loc.City, err = str(k, v)
		case AttrRegion:
			loc.Region, err = str(k, v)
		case AttrContinent:
			loc.Continent, err = str(k, v)
		case AttrTimezone:
			loc.Timezone, err = str(k, v)
		case AttrLatitude:
			loc.Latitude, err = number(k, v)
		case AttrLongitude:
			loc.Longitude, err = number(k, v)
		case AttrGeoAttempted:
			b, ok := v.(bool)
			if !ok && v != nil {
				err = invalid(k, fmt.Sprintf("want bool, got %T", v))
			}
			a.GeoAttempted = b
		default:
			err = errmodel.Validation("unknown_attribute", fmt.Sprintf("unknown attribute %q", k), map[string]any{"attribute": k})
		}
		if err != nil {
			return Attributes{}, err
		}
	}
	if a.Performer == nil {
		pt, err := str(string(AttrPerformerType), bag[string(AttrPerformerType)])
		if err != nil {
			return Attributes{}, err
		}
		pid, err := ident(bag[string(AttrPerformerID)])
		if err != nil {
			return Attributes{}, invalid(string(AttrPerformerID), err.Error())
		}
		if pt != "" || pid != "" {
			a.Performer = &store.Reference{Type: pt, ID: pid}
		}
	}
	if a.Metadata == nil {
		a.Metadata = map[string]any{}
	}
	if !loc.IsZero() {
		a.Geo = &loc
	}
	return a, nil
}

func invalid(field, msg string) error {
	return errmodel.Validation("invalid_attribute", field+": "+msg, map[string]any{"attribute": field})
}

// stringKeys converts the supported map forms to map[string]any.
func stringKeys(in any) (map[string]any, error) {
	switch m := in.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return m, nil
	case map[Attr]any:
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[string(k)] = v
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, v := range m {
			switch kk := k.(type) {
			case string:
				out[kk] = v
			case Attr:
				out[string(kk)] = v
			default:
				return nil, fmt.Errorf("unsupported key type %T", k)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("want a map, got %T", in)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func str(field string, v any) (string, error) {
	switch s := v.(type) {
	case nil:
		return "", nil
	case string:
		return s, nil
	case Attr:
		return string(s), nil
	case fmt.Stringer:
		return s.String(), nil
	default:
		return "", invalid(field, fmt.Sprintf("want string, got %T", v))
	}
}

// ident renders string or numeric identifiers.
func ident(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case json.Number:
		return x.String(), nil
	default:
		return "", fmt.Errorf("want string or number, got %T", v)
	}
}

func number(field string, v any) (*float64, error) {
	var f float64
	switch x := v.(type) {
	case nil:
		return nil, nil
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case json.Number:
		var err error
		if f, err = x.Float64(); err != nil {
			return nil, invalid(field, err.Error())
		}
	case string:
		var err error
		if f, err = strconv.ParseFloat(strings.TrimSpace(x), 64); err != nil {
			return nil, invalid(field, err.Error())
		}
	default:
		return nil, invalid(field, fmt.Sprintf("want number, got %T", v))
	}
	return &f, nil
}

func timestamp(v any) (time.Time, error) {
	switch x := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return x, nil
	case *time.Time:
		if x == nil {
			return time.Time{}, nil
		}
		return *x, nil
	case string:
		if strings.TrimSpace(x) == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(TimeFormat, strings.TrimSpace(x))
		if err != nil {
			return time.Time{}, errmodel.Validation("invalid_occurred_at", fmt.Sprintf("occurred_at %q is not an RFC 3339 timestamp", x), nil)
		}
		return t, nil
	default:
		return time.Time{}, invalid(string(AttrOccurredAt), fmt.Sprintf("want timestamp, got %T", v))
	}
}

func reference(v any) (*store.Reference, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case store.Reference:
		return &x, nil
	case *store.Reference:
		return x, nil
	}
	m, err := stringKeys(v)
	if err != nil {
		return nil, invalid(string(AttrPerformer), err.Error())
	}
	typ, err := str("performer.type", m["type"])
	if err != nil {
		return nil, err
	}
	id, err := ident(m["id"])
	if err != nil {
		return nil, invalid("performer.id", err.Error())
	}
	if typ == "" && id == "" {
		return nil, nil
	}
	return &store.Reference{Type: typ, ID: id}, nil
}

// metadata converts nested symbolic maps so both key forms store identically.
func metadata(v any) (map[string]any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	m, err := stringKeys(v)
	if err != nil {
		return nil, invalid(string(AttrMetadata), err.Error())
	}
	out := make(map[string]any, len(m))
	for k, val := range m {
		nv, err := plain(val)
		if err != nil {
			return nil, invalid(string(AttrMetadata)+"."+k, err.Error())
		}
		out[k] = nv
	}
	return out, nil
}

func plain(v any) (any, error) {
	switch x := v.(type) {
	case map[string]any, map[Attr]any, map[any]any:
		return metadata(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			nv, err := plain(e)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	case Attr:
		return string(x), nil
	default:
		return v, nil
	}
}
