package artifacts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/wgfleet/wgfleet/internal/gateway"
	"github.com/wgfleet/wgfleet/internal/gateway/gatewaytest"
	"github.com/wgfleet/wgfleet/internal/store"
	"github.com/wgfleet/wgfleet/internal/store/storetest"
)

func TestConfigFilename(t *testing.T) {
	cases := map[string][2]string{
		"john_doe_eu_west_1.conf": {"john doe", "eu-west-1"},
		"a_b_c.conf":              {" a-b ", "c"},
		"иван_gw.conf":            {"иван", "gw"},
		"____x_gw_1.conf":         {"../../x", `gw"1`},
		"a_b_c_d.conf":            {`a\b`, "c:d"},
		"a__b_gw.conf":            {"a\r\nb", "gw"},
	}
	for want, in := range cases {
		if got := ConfigFilename(in[0], in[1]); got != want {
			t.Fatalf("ConfigFilename(%q, %q) = %q, want %q", in[0], in[1], got, want)
		}
	}
}

func TestAttachmentNames(t *testing.T) {
	if got := asciiOr("alice_gw.conf", "fallback.conf"); got != "alice_gw.conf" {
		t.Fatalf("unexpected %q", got)
	}
	if got := asciiOr("иван_gw.conf", "user_3_server_1.conf"); got != "user_3_server_1.conf" {
		t.Fatalf("unexpected %q", got)
	}
	if got := asciiOnly("иван_configs.zip", "user-3_configs.zip"); got != "user-3_configs.zip" {
		t.Fatalf("unexpected %q", got)
	}
	if got := asciiOnly("ivan_configs.zip", "x"); got != "ivan_configs.zip" {
		t.Fatalf("unexpected %q", got)
	}
}

func TestConfigurationAndQRCode(t *testing.T) {
	s := storetest.Open(t)
	fleet := gatewaytest.NewFleet()
	gw := storetest.Gateway(t, s, "eu-west")
	user := storetest.User(t, s, "иван")
	remote := fleet.Gateway(gw.ID).AddPeer("иван")
	b := storetest.Binding(t, s, user.ID, gw.ID, remote, "иван")
	svc := NewService(s, fleet.Registry(), Options{})
	ctx := context.Background()

	conf, err := svc.Configuration(ctx, b.ID)
	if err != nil {
		t.Fatalf("Configuration: %v", err)
	}
	if conf.Filename != "иван_eu_west.conf" || conf.ContentType != ContentTypeConfig {
		t.Fatalf("unexpected artifact: %+v", conf)
	}
	wantAttachment := "user_" + strconv.FormatUint(user.ID, 10) + "_server_" + strconv.FormatUint(gw.ID, 10) + ".conf"
	if conf.AttachmentName != wantAttachment {
		t.Fatalf("expected %q, got %q", wantAttachment, conf.AttachmentName)
	}
	if !strings.Contains(string(conf.Data), "[Interface]") {
		t.Fatalf("unexpected config data %q", conf.Data)
	}

	qr, err := svc.QRCode(ctx, b.ID)
	if err != nil {
		t.Fatalf("QRCode: %v", err)
	}
	if qr.ContentType != ContentTypeQRCode || !bytes.HasPrefix(qr.Data, []byte("<svg")) {
		t.Fatalf("unexpected qr artifact: %+v", qr)
	}

	fleet.Gateway(gw.ID).RemovePeer(remote)
	if _, err = svc.Configuration(ctx, b.ID); !errors.Is(err, gateway.ErrBindingNotFound) {
		t.Fatalf("expected ErrBindingNotFound, got %v", err)
	}
	if _, err = svc.QRCode(ctx, 999); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUserQRCodes(t *testing.T) {
	s := storetest.Open(t)
	gw := storetest.Gateway(t, s, "gw")
	user := storetest.User(t, s, "alice")
	b := storetest.Binding(t, s, user.ID, gw.ID, "7", "alice")
	svc := NewService(s, gatewaytest.NewFleet().Registry(), Options{})

	got, links, err := svc.UserQRCodes(context.Background(), user.ID, func(id uint64) string {
		return "/qr/" + strconv.FormatUint(id, 10)
	})
	if err != nil {
		t.Fatalf("UserQRCodes: %v", err)
	}
	if got.Name != "alice" || len(links) != 1 {
		t.Fatalf("unexpected result: %+v %+v", got, links)
	}
	if links[0].BindingID != b.ID || links[0].GatewayName != "gw" || links[0].URL != "/qr/"+strconv.FormatUint(b.ID, 10) {
		t.Fatalf("unexpected link: %+v", links[0])
	}
}

func TestUserArchive(t *testing.T) {
	s := storetest.Open(t)
	fleet := gatewaytest.NewFleet()
	gw1 := storetest.Gateway(t, s, "gw one")
	gw2 := storetest.Gateway(t, s, "gw-two")
	down := storetest.Gateway(t, s, "down")
	user := storetest.User(t, s, "alice smith")
	p1 := fleet.Gateway(gw1.ID).AddPeer("alice")
	p1b := fleet.Gateway(gw1.ID).AddPeer("alice-phone")
	p2 := fleet.Gateway(gw2.ID).AddPeer("alice")
	storetest.Binding(t, s, user.ID, gw1.ID, p1, "alice")
	storetest.Binding(t, s, user.ID, gw1.ID, p1b, "alice-phone")
	storetest.Binding(t, s, user.ID, gw2.ID, p2, "alice")
	bDown := storetest.Binding(t, s, user.ID, down.ID, "1", "alice")
	fleet.Gateway(down.ID).FailAll(gateway.ErrGatewayUnreachable)

	svc := NewService(s, fleet.Registry(), Options{RequestTimeout: time.Second})
	archive, err := svc.UserArchive(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("UserArchive: %v", err)
	}
	if archive.Filename != "alice_smith_configs.zip" || archive.AttachmentName != "alice_smith_configs.zip" {
		t.Fatalf("unexpected archive name: %+v", archive.Artifact.Filename)
	}
	if archive.Files != 3 || len(archive.Skipped) != 1 || archive.Skipped[0].BindingID != bDown.ID {
		t.Fatalf("unexpected archive summary: files=%d skipped=%+v", archive.Files, archive.Skipped)
	}

	zr, err := zip.NewReader(bytes.NewReader(archive.Data), int64(len(archive.Data)))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
		rc, errOpen := f.Open()
		if errOpen != nil {
			t.Fatalf("open %s: %v", f.Name, errOpen)
		}
		data, _ := io.ReadAll(rc)
		_ = rc.Close()
		if !strings.HasPrefix(string(data), "[Interface]") {
			t.Fatalf("unexpected content in %s: %q", f.Name, data)
		}
	}
	sort.Strings(names)
	want := []string{"alice_smith_gw_one.conf", "alice_smith_gw_one_2.conf", "alice_smith_gw_two.conf"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected archive entries: %v", names)
	}
}

func TestUserArchiveNamesStayInsideArchive(t *testing.T) {
	s := storetest.Open(t)
	fleet := gatewaytest.NewFleet()
	gw := storetest.Gateway(t, s, `../gw"x`)
	user := storetest.User(t, s, `../../"evil"`)
	p := fleet.Gateway(gw.ID).AddPeer("evil")
	storetest.Binding(t, s, user.ID, gw.ID, p, "evil")

	svc := NewService(s, fleet.Registry(), Options{RequestTimeout: time.Second})
	archive, err := svc.UserArchive(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("UserArchive: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(archive.Data), int64(len(archive.Data)))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	if len(zr.File) != 1 {
		t.Fatalf("expected one entry, got %d", len(zr.File))
	}
	for _, name := range []string{archive.Filename, archive.AttachmentName, zr.File[0].Name} {
		if strings.ContainsAny(name, `/\"`) || strings.Contains(name, "..") {
			t.Fatalf("unsafe generated name %q", name)
		}
	}
	if zr.File[0].Name != "_____evil____gw_x.conf" {
		t.Fatalf("unexpected entry name %q", zr.File[0].Name)
	}
}

func TestUserArchiveWithoutBindings(t *testing.T) {
	s := storetest.Open(t)
	user := storetest.User(t, s, "nobody")
	svc := NewService(s, gatewaytest.NewFleet().Registry(), Options{})
	if _, err := svc.UserArchive(context.Background(), user.ID); !errors.Is(err, ErrNoBindings) {
		t.Fatalf("expected ErrNoBindings, got %v", err)
	}
}
