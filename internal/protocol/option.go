package protocol

import (
	"fmt"
	"strconv"
	"strings"

	cbor "github.com/fxamacker/cbor/v2"
	"golang.org/x/text/unicode/norm"
)

// Option names exchanged with the transport worker.
const (
	OptionName         = "name"
	OptionPortChecking = "portChecking"
	OptionBandwidth    = "bandwidth"
)

// DefaultDescriptorTag is the fixed first field of the advertised name.
const DefaultDescriptorTag = "MCPE"

const descriptorDelimiter = ";"

// ServerDescriptor is the advertised-server record the worker hands out to
// discovery pings.
type ServerDescriptor struct {
	Tag         string
	Name        string
	Protocol    int
	Version     string
	PlayerCount int
	MaxPlayers  int
}

// EscapeField escapes the descriptor delimiter inside a value.
func EscapeField(s string) string {
	return strings.ReplaceAll(s, descriptorDelimiter, `\`+descriptorDelimiter)
}

// String renders TAG;name;protocol;version;count;max. String fields are
// escaped against the delimiter; the name is NFC-normalised first so
// equivalent names advertise identically.
func (d ServerDescriptor) String() string {
	tag := d.Tag
	if tag == "" {
		tag = DefaultDescriptorTag
	}
	fields := []string{
		tag,
		EscapeField(norm.NFC.String(d.Name)),
		strconv.Itoa(d.Protocol),
		EscapeField(d.Version),
		strconv.Itoa(d.PlayerCount),
		strconv.Itoa(d.MaxPlayers),
	}
	return strings.Join(fields, descriptorDelimiter)
}

// Bandwidth is the payload of the "bandwidth" option the worker reports
// periodically: bytes sent and received since the previous report.
type Bandwidth struct {
	Up   float64 `cbor:"up"`
	Down float64 `cbor:"down"`
}

var (
	bandwidthEnc cbor.EncMode
	bandwidthDec cbor.DecMode
)

func init() {
	var err error
	if bandwidthEnc, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if bandwidthDec, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

// EncodeBandwidth serializes a bandwidth report for the option channel.
func EncodeBandwidth(b Bandwidth) (string, error) {
	data, err := bandwidthEnc.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("encode bandwidth: %w", err)
	}
	return string(data), nil
}

// DecodeBandwidth parses a bandwidth report. Negative counters are rejected.
func DecodeBandwidth(value string) (Bandwidth, error) {
	var b Bandwidth
	if err := bandwidthDec.Unmarshal([]byte(value), &b); err != nil {
		return Bandwidth{}, fmt.Errorf("decode bandwidth: %w", err)
	}
	if b.Up < 0 || b.Down < 0 {
		return Bandwidth{}, fmt.Errorf("decode bandwidth: negative counter")
	}
	return b, nil
}
