package envoy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	version "github.com/hashicorp/go-version"
	"go.uber.org/zap"
)

// legacyFirmwareVersion is the first firmware that serves JSON instead of
// HTML tables.
var legacyFirmwareVersion = version.Must(version.NewVersion("3.9.0"))

// Credentials carries the authentication inputs of the caller. Which fields
// are used depends on the firmware: token-capable firmware uses
// Username/Password as Enlighten cloud credentials (or a raw Token), older
// firmware uses them as local device credentials for digest auth.
type Credentials struct {
	Username string
	Password string
	Token    string

	// AutoRenewal lets the token auth mint a fresh token when the current
	// one goes stale.
	AutoRenewal bool
	// LoadToken/SaveToken plug in an external token store. The storage
	// format is up to the caller.
	LoadToken func() (string, error)
	SaveToken func(string) error
}

// GatewayReader polls one gateway: it detects the firmware dialect, selects
// an authentication scheme and keeps the computed telemetry attributes
// up to date. Callers must serialize calls to a single reader; distinct
// readers are fully independent.
type GatewayReader struct {
	host   string
	logger *zap.Logger

	baseClient *http.Client
	client     *http.Client

	info    *GatewayInfo
	auth    GatewayAuth
	gateway Gateway
}

type ReaderOption func(*GatewayReader)

// WithHTTPClient shares an HTTP client (and its connection pool) across
// readers.
func WithHTTPClient(client *http.Client) ReaderOption {
	return func(r *GatewayReader) {
		r.baseClient = client
	}
}

func WithReaderLogger(logger *zap.Logger) ReaderOption {
	return func(r *GatewayReader) {
		r.logger = logger
	}
}

func NewGatewayReader(host string, opts ...ReaderOption) *GatewayReader {
	r := &GatewayReader{
		host:   normalizeHost(host),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.baseClient == nil {
		r.baseClient = NewDeviceClient(defaultTimeout)
	}
	r.client = r.baseClient
	r.info = NewGatewayInfo(r.host, r.baseClient, r.logger)
	return r
}

func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		return "[" + host + "]"
	}
	return host
}

// Prepare fetches the identity endpoint and selects the gateway variant for
// the detected firmware dialect.
func (r *GatewayReader) Prepare(ctx context.Context) error {
	if err := r.info.Update(ctx); err != nil {
		return err
	}
	r.detectModel()
	return nil
}

func (r *GatewayReader) detectModel() {
	switch {
	case r.info.FirmwareVersion.LessThan(legacyFirmwareVersion):
		r.gateway = NewEnvoyLegacy(r.logger)
	case r.info.IMeter == TriStateTrue:
		r.gateway = NewEnvoySMetered(r.logger)
	case r.info.IMeter == TriStateFalse:
		r.gateway = NewEnvoyS(r.logger)
	default:
		r.gateway = NewEnvoy(r.logger)
	}
	r.logger.Debug("gateway model detected",
		zap.String("model", r.gateway.Name()),
		zap.String("firmware", r.info.FirmwareVersion.String()))
}

// Authenticate selects and prepares the auth scheme matching the firmware:
// token auth when the device advertises web tokens, digest auth otherwise.
func (r *GatewayReader) Authenticate(ctx context.Context, creds Credentials) error {
	if !r.info.Populated() {
		return &SetupError{Message: "authenticate called before prepare"}
	}

	if r.info.WebTokens {
		opts := []TokenAuthOption{
			WithAutoRenewal(creds.AutoRenewal),
			WithAuthClients(nil, r.baseClient),
		}
		if creds.Username != "" && creds.Password != "" {
			opts = append(opts, WithEnlightenCredentials(creds.Username, creds.Password))
		}
		if creds.Token != "" {
			opts = append(opts, WithRawToken(creds.Token))
		}
		if creds.LoadToken != nil || creds.SaveToken != nil {
			opts = append(opts, WithTokenStore(creds.LoadToken, creds.SaveToken))
		}
		auth, err := NewTokenAuth(r.host, r.info.SerialNumber, r.logger, opts...)
		if err != nil {
			return err
		}
		r.setAuth(auth)
	} else {
		username := creds.Username
		if username == "" {
			username = "installer"
		}
		password := creds.Password
		if password == "" {
			password = envoyPassword(r.info.SerialNumber, username)
		}
		r.setAuth(NewLegacyAuth(r.host, username, password))
	}

	return r.auth.Update(ctx)
}

// SetAuth installs a pre-built auth scheme. Mostly useful for tests and
// non-standard setups.
func (r *GatewayReader) SetAuth(auth GatewayAuth) {
	r.setAuth(auth)
}

func (r *GatewayReader) setAuth(auth GatewayAuth) {
	r.auth = auth
	client := *r.baseClient
	client.Transport = auth.WrapTransport(r.baseClient.Transport)
	r.client = &client
}

// Update runs one poll cycle: refresh identity and credentials, fetch every
// required endpoint whose cache interval elapsed, and on the first cycle run
// the probes, allowing the gateway to reclassify itself once.
func (r *GatewayReader) Update(ctx context.Context) error {
	if r.gateway == nil {
		return &SetupError{Message: "update called before prepare"}
	}
	if r.auth == nil {
		return ErrAuthenticationRequired
	}

	if err := r.info.Update(ctx); err != nil {
		return err
	}
	if err := r.auth.Update(ctx); err != nil {
		return err
	}
	if err := r.updateEndpoints(ctx); err != nil {
		return err
	}

	if !r.gateway.InitialUpdateFinished() {
		r.gateway.RunProbes()
		if next := r.gateway.Reclassify(); next != nil {
			r.logger.Info("gateway reclassified",
				zap.String("from", r.gateway.Name()),
				zap.String("to", next.Name()))
			r.gateway = next
			if err := r.updateEndpoints(ctx); err != nil {
				return err
			}
		}
		r.gateway.FinishInitialUpdate()
	}
	return nil
}

func (r *GatewayReader) updateEndpoints(ctx context.Context) error {
	for _, endpoint := range r.gateway.RequiredEndpoints() {
		if !endpoint.UpdateRequired(time.Now()) {
			continue
		}
		if err := r.fetchEndpoint(ctx, endpoint); err != nil {
			return err
		}
	}
	return nil
}

// fetchEndpoint fetches one endpoint and stores the payload. A response with
// an error status other than 401 is dropped but does not abort the cycle:
// optional hardware endpoints legitimately 404, and stale data beats a wipe.
func (r *GatewayReader) fetchEndpoint(ctx context.Context, endpoint *Endpoint) error {
	resp, body, err := r.get(ctx, endpoint.URL(r.auth.Protocol(), r.host), true)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode != http.StatusUnauthorized {
			r.logger.Debug("endpoint returned error status, keeping previous data",
				zap.String("endpoint", endpoint.Path),
				zap.Int("status", statusErr.StatusCode))
			return nil
		}
		return err
	}
	r.gateway.SetEndpointData(endpoint.Path, resp.Header.Get("Content-Type"), body)
	endpoint.MarkFetched(time.Now())
	return nil
}

func (r *GatewayReader) get(ctx context.Context, rawURL string, handle401 bool) (*http.Response, []byte, error) {
	opts := []requestOption{withCookies(r.auth.Cookies())}
	if header := r.auth.AuthHeader(); header != "" {
		opts = append(opts, withHeader("Authorization", header))
	}

	resp, body, err := doGet(ctx, r.client, r.logger, rawURL, opts...)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusUnauthorized {
		if handle401 && r.auth.Resolve401(ctx) {
			return r.get(ctx, rawURL, false)
		}
		return resp, body, &AuthenticationError{Message: "gateway rejected the request", Err: err}
	}
	return resp, body, err
}

// Name returns the human-readable model label of the detected gateway.
func (r *GatewayReader) Name() string {
	if r.gateway == nil {
		return "Enphase Gateway"
	}
	return r.gateway.Name()
}

func (r *GatewayReader) SerialNumber() string {
	return r.info.SerialNumber
}

func (r *GatewayReader) PartNumber() string {
	return r.info.PartNumber
}

func (r *GatewayReader) FirmwareVersion() *version.Version {
	return r.info.FirmwareVersion
}

// IsReady reports whether detection and authentication both completed.
func (r *GatewayReader) IsReady() bool {
	return r.info.Populated() && r.auth != nil && r.gateway != nil
}

// Value resolves a single computed attribute. Unsupported and currently-empty
// attributes both resolve to nil.
func (r *GatewayReader) Value(name string) any {
	if r.gateway == nil {
		return nil
	}
	return r.gateway.Value(name)
}

// FloatValue resolves a numeric attribute, nil when absent.
func (r *GatewayReader) FloatValue(name string) *float64 {
	if v, ok := toFloat(r.Value(name)); ok {
		return &v
	}
	return nil
}

// Snapshot returns a typed view over all computed attributes for one poll
// cycle.
func (r *GatewayReader) Snapshot() *Snapshot {
	snap := &Snapshot{
		Model:               r.Name(),
		SerialNumber:        r.SerialNumber(),
		PartNumber:          r.PartNumber(),
		Production:          r.FloatValue(AttrProduction),
		DailyProduction:     r.FloatValue(AttrDailyProduction),
		SevenDaysProduction: r.FloatValue(AttrSevenDaysProduction),
		LifetimeProduction:  r.FloatValue(AttrLifetimeProduction),
		Consumption:         r.FloatValue(AttrConsumption),
		DailyConsumption:    r.FloatValue(AttrDailyConsumption),
		LifetimeConsumption: r.FloatValue(AttrLifetimeConsumption),
		GridPower:           r.FloatValue(AttrGridPower),
		GridImport:          r.FloatValue(AttrGridImport),
		GridExport:          r.FloatValue(AttrGridExport),
	}
	if r.info.FirmwareVersion != nil {
		snap.FirmwareVersion = r.info.FirmwareVersion.String()
	}
	if status, ok := r.Value(AttrGridStatus).(string); ok {
		snap.GridStatus = &status
	}
	if inverters, ok := r.Value(AttrInverters).(map[string]any); ok {
		snap.Inverters = invertersFromResult(inverters)
	}
	if inventory, ok := r.Value(AttrEnsembleInventory).(EnsembleInventory); ok {
		snap.EnsembleInventory = inventory
	}
	if power, ok := r.Value(AttrEnsemblePower).(EnsemblePower); ok {
		snap.EnsemblePower = power
	}
	if battery, ok := r.Value(AttrACBattery).(*ACBattery); ok {
		snap.ACBattery = battery
	}
	return snap
}

// Snapshot is the telemetry view handed to consumers of the reader.
type Snapshot struct {
	Model           string
	SerialNumber    string
	PartNumber      string
	FirmwareVersion string

	Production          *float64
	DailyProduction     *float64
	SevenDaysProduction *float64
	LifetimeProduction  *float64
	Consumption         *float64
	DailyConsumption    *float64
	LifetimeConsumption *float64
	GridPower           *float64
	GridImport          *float64
	GridExport          *float64
	GridStatus          *string

	Inverters         map[string]Inverter
	EnsembleInventory EnsembleInventory
	EnsemblePower     EnsemblePower
	ACBattery         *ACBattery
}

// Inverter is the per-panel production entry of api/v1/production/inverters.
type Inverter struct {
	SerialNumber    string
	LastReportDate  time.Time
	LastReportWatts float64
	MaxReportWatts  float64
}

func invertersFromResult(result map[string]any) map[string]Inverter {
	inverters := make(map[string]Inverter, len(result))
	for serial, entry := range result {
		raw, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		inv := Inverter{SerialNumber: serial}
		if ts, ok := toFloat(raw["lastReportDate"]); ok {
			inv.LastReportDate = time.Unix(int64(ts), 0)
		}
		inv.LastReportWatts, _ = toFloat(raw["lastReportWatts"])
		inv.MaxReportWatts, _ = toFloat(raw["maxReportWatts"])
		inverters[serial] = inv
	}
	if len(inverters) == 0 {
		return nil
	}
	return inverters
}

func (s *Snapshot) String() string {
	return fmt.Sprintf("Snapshot{model=%s serial=%s}", s.Model, s.SerialNumber)
}
