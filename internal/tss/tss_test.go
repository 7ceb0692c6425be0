package tss_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"howett.net/plist"

	"github.com/bavix/devpair/internal/devicelink"
	customerrors "github.com/bavix/devpair/internal/errors"
	"github.com/bavix/devpair/internal/tss"
)

func buildManifest(t *testing.T) []byte {
	t.Helper()

	doc := map[string]any{
		"BuildIdentities": []any{
			map[string]any{
				"ApBoardID": "0x02",
				"ApChipID":  "0x8020",
				"Manifest":  map[string]any{"Other": map[string]any{"Info": map[string]any{}}},
			},
			map[string]any{
				"ApBoardID": "0x0C",
				"ApChipID":  "0x8101",
				"Manifest": map[string]any{
					"LoadableTrustCache": map[string]any{
						"Digest": []byte{1, 2},
						"Info":   map[string]any{"Personalize": true},
					},
					"PersonalizedDMG": map[string]any{
						"Digest": []byte{3},
						"Info":   map[string]any{"RestoreRequestRules": []any{}},
					},
					"KernelCache": map[string]any{"Info": map[string]any{}},
					"Ignored":     map[string]any{"Digest": []byte{9}, "Info": map[string]any{"Personalize": false}},
					"NoInfo":      map[string]any{"Digest": []byte{8}},
				},
			},
		},
	}

	out, err := plist.Marshal(doc, plist.XMLFormat)
	require.NoError(t, err)

	return out
}

func request(t *testing.T) devicelink.PersonalizationRequest {
	t.Helper()

	return devicelink.PersonalizationRequest{
		ChipID: 0x1A2B3C,
		Nonce:  []byte("nonce"),
		Identifiers: map[string]any{
			"BoardId":           uint64(0x0C),
			"ChipID":            uint64(0x8101),
			"SecurityDomain":    uint64(1),
			"ApProductionMode2": true,
		},
		BuildManifest: buildManifest(t),
	}
}

func ticketReply(t *testing.T, ticket []byte) string {
	t.Helper()

	body, err := plist.Marshal(map[string]any{"ApImg4Ticket": ticket}, plist.XMLFormat)
	require.NoError(t, err)

	return "STATUS=0&MESSAGE=SUCCESS&REQUEST_STRING=" + string(body)
}

func TestBuildRequest(t *testing.T) {
	t.Parallel()

	raw, err := tss.BuildRequest(request(t))
	require.NoError(t, err)

	var body map[string]any
	_, err = plist.Unmarshal(raw, &body)
	require.NoError(t, err)

	ecid, _ := devicelink.AsUint(body["ApECID"])
	assert.Equal(t, uint64(0x1A2B3C), ecid)
	assert.Equal(t, []byte("nonce"), body["ApNonce"])

	board, _ := devicelink.AsUint(body["ApBoardID"])
	chip, _ := devicelink.AsUint(body["ApChipID"])
	domain, _ := devicelink.AsUint(body["ApSecurityDomain"])
	assert.Equal(t, uint64(0x0C), board)
	assert.Equal(t, uint64(0x8101), chip)
	assert.Equal(t, uint64(1), domain)
	assert.Equal(t, true, body["ApProductionMode2"])
	assert.Equal(t, true, body["@ApImg4Ticket"])
	assert.NotEmpty(t, body["@UUID"])

	trust, ok := body["LoadableTrustCache"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2}, trust["Digest"])
	assert.Equal(t, true, trust["Trusted"])
	assert.NotContains(t, trust, "Info")
	assert.NotContains(t, trust, "EPRO")

	dmg, ok := body["PersonalizedDMG"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, dmg["EPRO"])
	assert.Equal(t, true, dmg["ESEC"])

	kernel, ok := body["KernelCache"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, kernel, "Digest")
	assert.Empty(t, kernel["Digest"])

	assert.NotContains(t, body, "Ignored")
	assert.NotContains(t, body, "NoInfo")
	assert.NotContains(t, body, "Other")
}

func TestBuildRequest_NoMatchingIdentity(t *testing.T) {
	t.Parallel()

	req := request(t)
	req.Identifiers = map[string]any{"BoardId": uint64(0x99), "ChipID": uint64(0x8101)}

	_, err := tss.BuildRequest(req)
	require.ErrorIs(t, err, customerrors.ErrNoBuildIdentity)

	req.Identifiers = map[string]any{}
	_, err = tss.BuildRequest(req)
	require.ErrorIs(t, err, customerrors.ErrUnexpectedResponse)
}

func TestPersonalize(t *testing.T) {
	t.Parallel()

	var gotECID uint64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, `text/xml; charset="utf-8"`, r.Header.Get("Content-Type"))

		raw, err := io.ReadAll(r.Body)
		if !assert.NoError(t, err) {
			return
		}

		var body map[string]any
		if _, err := plist.Unmarshal(raw, &body); assert.NoError(t, err) {
			gotECID, _ = devicelink.AsUint(body["ApECID"])
		}

		_, _ = io.WriteString(w, ticketReply(t, []byte("ticket")))
	}))
	defer srv.Close()

	ticket, err := tss.New(srv.URL, time.Second).Personalize(t.Context(), request(t))
	require.NoError(t, err)
	assert.Equal(t, []byte("ticket"), ticket)
	assert.Equal(t, uint64(0x1A2B3C), gotECID)
}

func TestPersonalize_HTTPFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := tss.New(srv.URL, time.Second).Personalize(t.Context(), request(t))
	require.ErrorIs(t, err, customerrors.ErrTicketRejected)
}

func TestParseResponse(t *testing.T) {
	t.Parallel()

	ticket, err := tss.ParseResponse([]byte(ticketReply(t, []byte{0xAB})))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAB}, ticket)

	_, err = tss.ParseResponse([]byte("STATUS=94&MESSAGE=This device isn't eligible for the requested build."))
	require.ErrorIs(t, err, customerrors.ErrTicketRejected)
	assert.Contains(t, err.Error(), "94")

	_, err = tss.ParseResponse([]byte("garbage"))
	require.ErrorIs(t, err, customerrors.ErrTicketRejected)

	noTicket, err := plist.Marshal(map[string]any{"Other": "x"}, plist.XMLFormat)
	require.NoError(t, err)

	_, err = tss.ParseResponse(append([]byte("STATUS=0&MESSAGE=SUCCESS&REQUEST_STRING="), noTicket...))
	require.ErrorIs(t, err, customerrors.ErrTicketRejected)
}
