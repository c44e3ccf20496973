package envoy

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	version "github.com/hashicorp/go-version"
	"go.uber.org/zap"
)

// infoCacheInterval matches the gateway identity data churn: it basically
// only changes on firmware upgrades.
const infoCacheInterval = 24 * time.Hour

// TriState models the imeter flag of the identity endpoint, which is absent
// on old firmware.
type TriState int

const (
	TriStateUnknown TriState = iota
	TriStateTrue
	TriStateFalse
)

func triStateFromString(s string) TriState {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "true":
		return TriStateTrue
	case "false":
		return TriStateFalse
	default:
		return TriStateUnknown
	}
}

// GatewayInfo fetches and holds the identity endpoint of a gateway: serial
// number, part number, firmware version and the capability flags that drive
// model detection and auth selection.
type GatewayInfo struct {
	host   string
	client *http.Client
	logger *zap.Logger

	SerialNumber    string
	PartNumber      string
	FirmwareVersion *version.Version
	IMeter          TriState
	WebTokens       bool

	populated bool
	lastFetch time.Time
}

type infoXML struct {
	XMLName xml.Name `xml:"envoy_info"`
	Device  struct {
		SN       string `xml:"sn"`
		PN       string `xml:"pn"`
		Software string `xml:"software"`
		IMeter   string `xml:"imeter"`
	} `xml:"device"`
	WebTokens string `xml:"web-tokens"`
}

func NewGatewayInfo(host string, client *http.Client, logger *zap.Logger) *GatewayInfo {
	return &GatewayInfo{
		host:   host,
		client: client,
		logger: logger,
	}
}

// Populated reports whether the identity endpoint has been parsed at least
// once.
func (i *GatewayInfo) Populated() bool {
	return i.populated
}

func (i *GatewayInfo) updateRequired(now time.Time) bool {
	return !i.populated || !now.Before(i.lastFetch.Add(infoCacheInterval))
}

// Update fetches and parses the identity endpoint if it has never been read
// or its cache interval has elapsed. HTTPS is tried first; firmware < 7.0 has
// no HTTPS at all, so a connect or timeout failure falls back to plain HTTP
// once for this call.
func (i *GatewayInfo) Update(ctx context.Context) error {
	if !i.updateRequired(time.Now()) {
		return nil
	}

	body, err := i.fetch(ctx)
	if err != nil {
		return err
	}

	var parsed infoXML
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return &SetupError{Message: "unable to parse identity endpoint", Err: err}
	}
	if parsed.Device.SN == "" || parsed.Device.Software == "" {
		return &SetupError{Message: "identity endpoint is missing device data"}
	}

	fw, err := version.NewVersion(stripVersionScheme(parsed.Device.Software))
	if err != nil {
		return &SetupError{
			Message: fmt.Sprintf("unsupported firmware version %q", parsed.Device.Software),
			Err:     err,
		}
	}

	i.SerialNumber = parsed.Device.SN
	i.PartNumber = parsed.Device.PN
	i.FirmwareVersion = fw
	i.IMeter = triStateFromString(parsed.Device.IMeter)
	i.WebTokens = strings.TrimSpace(parsed.WebTokens) == "true"
	i.lastFetch = time.Now()
	i.populated = true

	i.logger.Debug("gateway info updated",
		zap.String("serial", i.SerialNumber),
		zap.String("part", i.PartNumber),
		zap.String("firmware", fw.String()),
		zap.Bool("web_tokens", i.WebTokens))
	return nil
}

func (i *GatewayInfo) fetch(ctx context.Context) ([]byte, error) {
	_, body, err := doGet(ctx, i.client, i.logger, fmt.Sprintf("https://%s/info", i.host))
	if err == nil {
		return body, nil
	}

	var commErr *CommunicationError
	if !errors.As(err, &commErr) {
		return nil, &SetupError{Message: "unexpected identity endpoint response", Err: err}
	}
	if ctx.Err() != nil {
		return nil, err
	}

	i.logger.Debug("https info fetch failed, falling back to http", zap.Error(err))
	_, body, err = doGet(ctx, i.client, i.logger, fmt.Sprintf("http://%s/info", i.host))
	if err != nil {
		if errors.As(err, &commErr) {
			return nil, err
		}
		return nil, &SetupError{Message: "unexpected identity endpoint response", Err: err}
	}
	return body, nil
}

// stripVersionScheme removes the version-scheme letter firmware versions are
// prefixed with ("D7.6.175", "R3.9.36").
func stripVersionScheme(s string) string {
	s = strings.TrimSpace(s)
	for len(s) > 0 && (s[0] < '0' || s[0] > '9') {
		s = s[1:]
	}
	return s
}
