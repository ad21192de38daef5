// Package artifacts passes peer configuration files and QR codes through from gateways.
package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/klauspost/compress/zip"
	log "github.com/sirupsen/logrus"

	"github.com/wgfleet/wgfleet/internal/fanout"
	"github.com/wgfleet/wgfleet/internal/gateway"
	"github.com/wgfleet/wgfleet/internal/models"
	internalsettings "github.com/wgfleet/wgfleet/internal/settings"
	"github.com/wgfleet/wgfleet/internal/store"
)

// ErrNoBindings is returned when a user has nothing to export.
var ErrNoBindings = errors.New("artifacts: user has no bindings")

const (
	defaultRequestTimeout = 15 * time.Second
	defaultMaxConcurrency = 5

	ContentTypeConfig = "application/octet-stream"
	ContentTypeQRCode = "image/svg+xml"
	ContentTypeZip    = "application/zip"
)

// Artifact is a downloadable payload.
type Artifact struct {
	// Filename may contain non-ASCII characters; AttachmentName is safe for headers.
	Filename       string
	AttachmentName string
	ContentType    string
	Data           []byte
}

// Options configures a Service.
type Options struct {
	RequestTimeout time.Duration
	MaxConcurrency int
}

// Service resolves bindings to gateway artifacts.
type Service struct {
	store          *store.Store
	registry       *gateway.Registry
	requestTimeout time.Duration
	maxConcurrency int
}

// NewService constructs a Service.
func NewService(s *store.Store, registry *gateway.Registry, opts Options) *Service {
	svc := &Service{store: s, registry: registry, requestTimeout: opts.RequestTimeout, maxConcurrency: opts.MaxConcurrency}
	if svc.requestTimeout <= 0 {
		svc.requestTimeout = defaultRequestTimeout
	}
	if svc.maxConcurrency <= 0 {
		svc.maxConcurrency = defaultMaxConcurrency
	}
	return svc
}

type resolved struct {
	binding models.Binding
	user    models.LogicalUser
	gateway models.Gateway
}

func (s *Service) resolve(ctx context.Context, bindingID uint64) (resolved, error) {
	b, errBinding := s.store.GetBinding(ctx, bindingID)
	if errBinding != nil {
		return resolved{}, errBinding
	}
	gw, errGateway := s.store.GetGateway(ctx, b.GatewayID)
	if errGateway != nil {
		return resolved{}, errGateway
	}
	user, errUser := s.store.GetUser(ctx, b.LogicalUserID)
	if errUser != nil {
		return resolved{}, errUser
	}
	return resolved{binding: b, user: user, gateway: gw}, nil
}

// Configuration fetches the WireGuard configuration of one binding.
func (s *Service) Configuration(ctx context.Context, bindingID uint64) (Artifact, error) {
	r, errResolve := s.resolve(ctx, bindingID)
	if errResolve != nil {
		return Artifact{}, errResolve
	}
	data, errFetch := s.registry.For(r.gateway).FetchConfiguration(ctx, r.binding.RemotePeerID)
	if errFetch != nil {
		return Artifact{}, errFetch
	}
	name := ConfigFilename(r.user.Name, r.gateway.Name)
	return Artifact{
		Filename:       name,
		AttachmentName: asciiOr(name, fmt.Sprintf("user_%d_server_%d.conf", r.user.ID, r.gateway.ID)),
		ContentType:    ContentTypeConfig,
		Data:           data,
	}, nil
}

// QRCode fetches the gateway-rendered QR image of one binding.
func (s *Service) QRCode(ctx context.Context, bindingID uint64) (Artifact, error) {
	r, errResolve := s.resolve(ctx, bindingID)
	if errResolve != nil {
		return Artifact{}, errResolve
	}
	data, errFetch := s.registry.For(r.gateway).FetchQRCode(ctx, r.binding.RemotePeerID)
	if errFetch != nil {
		return Artifact{}, errFetch
	}
	name := strings.TrimSuffix(ConfigFilename(r.user.Name, r.gateway.Name), ".conf") + ".svg"
	return Artifact{
		Filename:       name,
		AttachmentName: asciiOr(name, fmt.Sprintf("user_%d_server_%d.svg", r.user.ID, r.gateway.ID)),
		ContentType:    ContentTypeQRCode,
		Data:           data,
	}, nil
}

// QRCodeLink points at the QR endpoint of one binding.
type QRCodeLink struct {
	BindingID    uint64 `json:"binding_id"`
	GatewayID    uint64 `json:"gateway_id"`
	GatewayName  string `json:"gateway_name"`
	RemotePeerID string `json:"remote_peer_id"`
	URL          string `json:"qrcode_url"`
}

// UserQRCodes lists QR links for every binding of a user. Gateways are not contacted.
func (s *Service) UserQRCodes(ctx context.Context, userID uint64, urlFor func(bindingID uint64) string) (models.LogicalUser, []QRCodeLink, error) {
	user, errUser := s.store.GetUser(ctx, userID)
	if errUser != nil {
		return models.LogicalUser{}, nil, errUser
	}
	bindings, errList := s.store.ListBindingsByUser(ctx, userID)
	if errList != nil {
		return models.LogicalUser{}, nil, errList
	}
	names, errNames := s.store.GatewayNames(ctx)
	if errNames != nil {
		return models.LogicalUser{}, nil, errNames
	}
	links := make([]QRCodeLink, 0, len(bindings))
	for _, b := range bindings {
		links = append(links, QRCodeLink{
			BindingID:    b.ID,
			GatewayID:    b.GatewayID,
			GatewayName:  names[b.GatewayID],
			RemotePeerID: b.RemotePeerID,
			URL:          urlFor(b.ID),
		})
	}
	return user, links, nil
}

// Archive is a zip of a user's configurations plus the bindings that could not be fetched.
type Archive struct {
	Artifact
	Files   int
	Skipped []fanout.ItemError
}

// UserArchive fetches every configuration of a user concurrently and zips them.
// Bindings whose gateway fails are left out of the archive and reported in Skipped.
func (s *Service) UserArchive(ctx context.Context, userID uint64) (Archive, error) {
	user, errUser := s.store.GetUser(ctx, userID)
	if errUser != nil {
		return Archive{}, errUser
	}
	bindings, errList := s.store.ListBindingsByUser(ctx, userID)
	if errList != nil {
		return Archive{}, errList
	}
	if len(bindings) == 0 {
		return Archive{}, ErrNoBindings
	}
	gateways, errGateways := s.store.ListGateways(ctx)
	if errGateways != nil {
		return Archive{}, errGateways
	}
	byID := make(map[uint64]models.Gateway, len(gateways))
	for _, gw := range gateways {
		byID[gw.ID] = gw
	}

	opts := fanout.Options{
		Op:      "fetch_configuration",
		Limit:   internalsettings.GatewayConcurrency(s.maxConcurrency),
		Timeout: s.requestTimeout,
	}
	results := fanout.Run(ctx, bindings, opts, func(callCtx context.Context, b models.Binding) ([]byte, error) {
		gw, ok := byID[b.GatewayID]
		if !ok {
			return nil, fmt.Errorf("gateway %d: %w", b.GatewayID, store.ErrNotFound)
		}
		return s.registry.For(gw).FetchConfiguration(callCtx, b.RemotePeerID)
	})

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	used := make(map[string]int)
	archive := Archive{Skipped: []fanout.ItemError{}}
	for _, res := range results {
		b := res.Item
		if res.Err != nil {
			item := fanout.NewItemError(b.GatewayID, byID[b.GatewayID].Name, res.Err)
			item.BindingID = b.ID
			item.RemotePeerID = b.RemotePeerID
			archive.Skipped = append(archive.Skipped, item)
			log.WithError(res.Err).Warnf("artifacts: skipping binding %d in archive for user %d", b.ID, user.ID)
			continue
		}
		name := uniqueName(used, ConfigFilename(user.Name, byID[b.GatewayID].Name))
		w, errCreate := zw.Create(name)
		if errCreate != nil {
			return Archive{}, fmt.Errorf("artifacts: add %s: %w", name, errCreate)
		}
		if _, errWrite := w.Write(res.Value); errWrite != nil {
			return Archive{}, fmt.Errorf("artifacts: write %s: %w", name, errWrite)
		}
		archive.Files++
	}
	if errClose := zw.Close(); errClose != nil {
		return Archive{}, fmt.Errorf("artifacts: close archive: %w", errClose)
	}

	name := sanitize(user.Name) + "_configs.zip"
	archive.Artifact = Artifact{
		Filename:       name,
		AttachmentName: asciiOnly(name, "user-"+strconv.FormatUint(user.ID, 10)+"_configs.zip"),
		ContentType:    ContentTypeZip,
		Data:           buf.Bytes(),
	}
	return archive, nil
}

// ConfigFilename names a configuration file as <user>_<gateway>.conf.
func ConfigFilename(userName, gatewayName string) string {
	return sanitize(userName) + "_" + sanitize(gatewayName) + ".conf"
}

// unsafeNameChars are replaced in generated file names, together with control
// characters and "..", so names stay inside an archive and inside a quoted header.
const unsafeNameChars = ` -/\"*:<>?|`

func sanitize(name string) string {
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || strings.ContainsRune(unsafeNameChars, r) {
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
	return strings.ReplaceAll(name, "..", "_")
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

// asciiOr returns name when it is printable ASCII, fallback otherwise.
func asciiOr(name, fallback string) string {
	if isASCII(name) {
		return name
	}
	return fallback
}

// asciiOnly strips non-ASCII characters, falling back when nothing useful is left.
func asciiOnly(name, fallback string) string {
	var b strings.Builder
	for _, r := range name {
		if r <= unicode.MaxASCII && unicode.IsPrint(r) {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "" || strings.HasPrefix(out, "_") {
		return fallback
	}
	return out
}

func uniqueName(used map[string]int, name string) string {
	used[name]++
	if n := used[name]; n > 1 {
		return strings.TrimSuffix(name, ".conf") + "_" + strconv.Itoa(n) + ".conf"
	}
	return name
}
