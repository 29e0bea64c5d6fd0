package parser

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"busstream/pkg/sse"
	"busstream/pkg/types"
)

func TestDecode_JSON(t *testing.T) {
	p := NewParser()

	tests := []struct {
		name     string
		data     string
		expected *types.LocationSample
	}{
		{
			name:     "minimal payload",
			data:     `{"bus_id":"55","lat":1.23,"lng":4.56}`,
			expected: &types.LocationSample{BusID: "55", Lat: 1.23, Lng: 4.56},
		},
		{
			name:     "with status text",
			data:     `{"bus_id":"55","lat":-33.8688,"lng":151.2093,"status_text":"Approaching stop"}`,
			expected: &types.LocationSample{BusID: "55", Lat: -33.8688, Lng: 151.2093, StatusText: "Approaching stop"},
		},
		{
			name:     "zero coordinates are valid",
			data:     `{"bus_id":"55","lat":0,"lng":0}`,
			expected: &types.LocationSample{BusID: "55"},
		},
		{
			name:     "missing bus id is left empty",
			data:     `{"lat":1,"lng":2}`,
			expected: &types.LocationSample{Lat: 1, Lng: 2},
		},
		{
			name:     "surrounding whitespace",
			data:     "  {\"bus_id\":\"55\",\"lat\":1,\"lng\":2}\n",
			expected: &types.LocationSample{BusID: "55", Lat: 1, Lng: 2},
		},
		{
			name:     "unknown fields ignored",
			data:     `{"bus_id":"55","lat":1,"lng":2,"speed":12.5}`,
			expected: &types.LocationSample{BusID: "55", Lat: 1, Lng: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Decode(sse.Event{Type: "message", Data: tt.data})
			if err != nil {
				t.Fatalf("Decode() unexpected error: %v", err)
			}
			if !got.Equal(tt.expected) {
				t.Errorf("Decode() = %+v, want %+v", got, tt.expected)
			}
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	p := NewParser()

	tests := []struct {
		name string
		data string
	}{
		{name: "invalid JSON", data: `{not json`},
		{name: "empty data", data: ``},
		{name: "JSON array", data: `[1,2]`},
		{name: "JSON string", data: `"hello"`},
		{name: "missing lat", data: `{"bus_id":"55","lng":4.56}`},
		{name: "missing lng", data: `{"bus_id":"55","lat":1.23}`},
		{name: "null lat", data: `{"bus_id":"55","lat":null,"lng":4.56}`},
		{name: "string lat", data: `{"bus_id":"55","lat":"1.23","lng":4.56}`},
		{name: "lat out of range", data: `{"bus_id":"55","lat":91,"lng":4.56}`},
		{name: "lng out of range", data: `{"bus_id":"55","lat":1.23,"lng":-180.5}`},
		{name: "bus id wrong type", data: `{"bus_id":55,"lat":1.23,"lng":4.56}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Decode(sse.Event{Type: "message", Data: tt.data})
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("Decode() error = %v, want ErrMalformed", err)
			}
			if got != nil {
				t.Errorf("Decode() = %+v, want nil", got)
			}
		})
	}
}

func TestDecode_IgnoresOtherEventTypes(t *testing.T) {
	p := NewParser()

	for _, evType := range []string{"ping", "heartbeat", "status"} {
		t.Run(evType, func(t *testing.T) {
			_, err := p.Decode(sse.Event{Type: evType, Data: `{"bus_id":"55","lat":1,"lng":2}`})
			if !errors.Is(err, ErrIgnored) {
				t.Errorf("Decode() error = %v, want ErrIgnored", err)
			}
		})
	}
}

func TestDecode_SIRIFragment(t *testing.T) {
	data := `<VehicleActivity>
  <RecordedAtTime>2024-01-15T10:29:45Z</RecordedAtTime>
  <MonitoredVehicleJourney>
    <LineRef>49x</LineRef>
    <VehicleRef>55</VehicleRef>
    <ProgressStatus>normalProgress</ProgressStatus>
    <VehicleLocation>
      <Longitude>-2.587910</Longitude>
      <Latitude>51.454513</Latitude>
    </VehicleLocation>
  </MonitoredVehicleJourney>
</VehicleActivity>`

	got, err := NewParser().Decode(sse.Event{Type: EventTypeSIRI, Data: data})
	if err != nil {
		t.Fatalf("Decode() unexpected error: %v", err)
	}

	expected := &types.LocationSample{BusID: "55", Lat: 51.454513, Lng: -2.587910, StatusText: "normalProgress"}
	if !got.Equal(expected) {
		t.Errorf("Decode() = %+v, want %+v", got, expected)
	}
}

func TestDecode_SIRIEnvelope(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("testdata", "vehicle_activity.xml"))
	if err != nil {
		t.Fatalf("Failed to read test data: %v", err)
	}

	got, err := NewParser().Decode(sse.Event{Type: EventTypeSIRI, Data: string(data)})
	if err != nil {
		t.Fatalf("Decode() unexpected error: %v", err)
	}

	// the last activity in the delivery wins
	if got.BusID != "FBUS-67890" {
		t.Errorf("BusID = %q, want %q", got.BusID, "FBUS-67890")
	}
	if got.Lat != 51.46 || got.Lng != -2.6 {
		t.Errorf("position = (%v, %v), want (51.46, -2.6)", got.Lat, got.Lng)
	}
}

func TestDecode_SIRIMalformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "not XML", data: `{"bus_id":"55"}`},
		{name: "no activity", data: `<Siri><ServiceDelivery/></Siri>`},
		{name: "no journey", data: `<VehicleActivity><RecordedAtTime>x</RecordedAtTime></VehicleActivity>`},
		{name: "no location", data: `<VehicleActivity><MonitoredVehicleJourney><VehicleRef>55</VehicleRef></MonitoredVehicleJourney></VehicleActivity>`},
		{
			name: "latitude with trailing text",
			data: `<VehicleActivity><MonitoredVehicleJourney><VehicleLocation><Longitude>-2.58</Longitude><Latitude>51.4abc</Latitude></VehicleLocation></MonitoredVehicleJourney></VehicleActivity>`,
		},
		{
			name: "unparseable latitude",
			data: `<VehicleActivity><MonitoredVehicleJourney><VehicleLocation><Longitude>1</Longitude><Latitude>north</Latitude></VehicleLocation></MonitoredVehicleJourney></VehicleActivity>`,
		},
	}

	p := NewParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Decode(sse.Event{Type: EventTypeSIRI, Data: tt.data})
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("Decode() error = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestParseFloat(t *testing.T) {
	tests := []struct {
		input    string
		expected float64
		wantErr  bool
	}{
		{input: "51.454513", expected: 51.454513},
		{input: " -2.5 ", expected: -2.5},
		{input: "0", expected: 0},
		{input: "", wantErr: true},
		{input: "abc", wantErr: true},
		{input: "51.4abc", wantErr: true},
		{input: "51.4 52.1", wantErr: true},
		{input: "NaN", wantErr: true},
		{input: "-Inf", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseFloat(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("parseFloat(%q) expected error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseFloat(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.expected {
				t.Errorf("parseFloat(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}
