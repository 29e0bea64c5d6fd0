package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"busstream/pkg/sse"
	"busstream/pkg/types"

	"github.com/clbanning/mxj/v2"
	"github.com/go-playground/validator/v10"
)

// EventTypeSIRI marks events whose data is a SIRI-VM VehicleActivity fragment.
const EventTypeSIRI = "siri"

var (
	// ErrMalformed wraps every payload that cannot become a LocationSample.
	ErrMalformed = errors.New("malformed location payload")

	// ErrIgnored is returned for event types that carry no location.
	ErrIgnored = errors.New("event type carries no location")
)

// payload mirrors the wire format; pointers tell a missing coordinate from zero.
type payload struct {
	BusID      string   `json:"bus_id"`
	Lat        *float64 `json:"lat" validate:"required,gte=-90,lte=90"`
	Lng        *float64 `json:"lng" validate:"required,gte=-180,lte=180"`
	StatusText string   `json:"status_text"`
}

type Parser struct {
	validate *validator.Validate
}

func NewParser() *Parser {
	return &Parser{
		validate: validator.New(),
	}
}

// Decode turns one stream event into a sample. Events that are not location
// updates return ErrIgnored; bad payloads return an error wrapping ErrMalformed.
func (p *Parser) Decode(ev sse.Event) (*types.LocationSample, error) {
	switch ev.Type {
	case sse.DefaultEventType, "":
		return p.decodeJSON([]byte(ev.Data))
	case EventTypeSIRI:
		return p.decodeSIRI([]byte(ev.Data))
	default:
		return nil, ErrIgnored
	}
}

func (p *Parser) decodeJSON(data []byte) (*types.LocationSample, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrMalformed)
	}

	var raw payload
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return p.toSample(raw)
}

// decodeSIRI reads a VehicleActivity element, bare or wrapped in the usual
// Siri/ServiceDelivery/VehicleMonitoringDelivery envelope.
func (p *Parser) decodeSIRI(data []byte) (*types.LocationSample, error) {
	xmlMap, err := mxj.NewMapXml(data)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse XML: %v", ErrMalformed, err)
	}

	activity, ok := findVehicleActivity(xmlMap)
	if !ok {
		return nil, fmt.Errorf("%w: no VehicleActivity element", ErrMalformed)
	}

	mvj, ok := activity["MonitoredVehicleJourney"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: no MonitoredVehicleJourney element", ErrMalformed)
	}

	var raw payload
	if vRef, ok := mvj["VehicleRef"].(string); ok {
		raw.BusID = strings.TrimSpace(vRef)
	}
	if progress, ok := mvj["ProgressStatus"].(string); ok {
		raw.StatusText = progress
	}

	if location, ok := mvj["VehicleLocation"].(map[string]interface{}); ok {
		if lat, ok := location["Latitude"].(string); ok {
			if f, err := parseFloat(lat); err == nil {
				raw.Lat = &f
			}
		}
		if lng, ok := location["Longitude"].(string); ok {
			if f, err := parseFloat(lng); err == nil {
				raw.Lng = &f
			}
		}
	}

	return p.toSample(raw)
}

func (p *Parser) toSample(raw payload) (*types.LocationSample, error) {
	if err := p.validate.Struct(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return &types.LocationSample{
		BusID:      raw.BusID,
		Lat:        *raw.Lat,
		Lng:        *raw.Lng,
		StatusText: raw.StatusText,
	}, nil
}

func findVehicleActivity(xmlMap map[string]interface{}) (map[string]interface{}, bool) {
	if activity, ok := xmlMap["VehicleActivity"].(map[string]interface{}); ok {
		return activity, true
	}

	siri, ok := xmlMap["Siri"].(map[string]interface{})
	if !ok {
		return nil, false
	}
	serviceDelivery, ok := siri["ServiceDelivery"].(map[string]interface{})
	if !ok {
		return nil, false
	}
	vmDelivery, ok := serviceDelivery["VehicleMonitoringDelivery"].(map[string]interface{})
	if !ok {
		return nil, false
	}

	// VehicleActivity can be a single item or an array; a bus stream carries one vehicle
	switch va := vmDelivery["VehicleActivity"].(type) {
	case map[string]interface{}:
		return va, true
	case []interface{}:
		if len(va) > 0 {
			activity, ok := va[len(va)-1].(map[string]interface{})
			return activity, ok
		}
	}
	return nil, false
}

// parseFloat reads a whole coordinate; trailing text and non-finite values are errors.
func parseFloat(s string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("coordinate %q is not finite", s)
	}
	return f, nil
}
