package doh

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func handleTest(w http.ResponseWriter, r *http.Request) {
	handle := func(req *dns.Msg) *dns.Msg {
		msg := new(dns.Msg)
		msg.SetReply(req)
		msg.Answer = append(msg.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
			A:   net.ParseIP("192.0.2.1"),
		})

		return msg
	}

	var handleFn func(http.ResponseWriter, *http.Request)
	if r.Method == http.MethodGet && r.URL.Query().Get("dns") == "" {
		handleFn = HandleJSON(handle)
	} else {
		handleFn = HandleWireFormat(handle)
	}

	handleFn(w, r)
}

func Test_dohJSON(t *testing.T) {
	w := httptest.NewRecorder()

	request, err := http.NewRequest("GET", "/dns-query?name=example.com&type=a&do=true&cd=true", nil)
	require.NoError(t, err)
	request.RemoteAddr = "127.0.0.1:0"

	handleTest(w, request)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/dns-json", w.Header().Get("Content-Type"))

	data, err := io.ReadAll(w.Body)
	require.NoError(t, err)

	var dm Msg
	require.NoError(t, json.Unmarshal(data, &dm))

	require.Len(t, dm.Answer, 1)
	assert.Equal(t, "example.com.", dm.Answer[0].Name)
	assert.Equal(t, "192.0.2.1", dm.Answer[0].Data)
	assert.True(t, dm.CD)
}

func Test_dohJSONerror(t *testing.T) {
	w := httptest.NewRecorder()

	request, err := http.NewRequest("GET", "/dns-query?name=", nil)
	require.NoError(t, err)
	request.RemoteAddr = "127.0.0.1:0"

	handleTest(w, request)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func Test_dohJSONaccepthtml(t *testing.T) {
	w := httptest.NewRecorder()

	request, err := http.NewRequest("GET", "/dns-query?name=example.com", nil)
	require.NoError(t, err)
	request.RemoteAddr = "127.0.0.1:0"
	request.Header.Add("Accept", "text/html")

	handleTest(w, request)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-javascript", w.Header().Get("Content-Type"))
}

func Test_dohWireGET(t *testing.T) {
	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)
	req.RecursionDesired = true

	data, err := req.Pack()
	require.NoError(t, err)

	w := httptest.NewRecorder()

	request, err := http.NewRequest("GET", "/dns-query?dns="+base64.RawURLEncoding.EncodeToString(data), nil)
	require.NoError(t, err)
	request.RemoteAddr = "127.0.0.1:0"

	handleTest(w, request)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/dns-message", w.Header().Get("Content-Type"))

	data, err = io.ReadAll(w.Body)
	require.NoError(t, err)

	msg := new(dns.Msg)
	require.NoError(t, msg.Unpack(data))

	assert.Equal(t, dns.RcodeSuccess, msg.Rcode)
	require.Len(t, msg.Answer, 1)
}

func Test_dohWirePOST(t *testing.T) {
	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)

	data, err := req.Pack()
	require.NoError(t, err)

	w := httptest.NewRecorder()

	request, err := http.NewRequest("POST", "/dns-query", bytes.NewReader(data))
	require.NoError(t, err)
	request.RemoteAddr = "127.0.0.1:0"
	request.Header.Set("Content-Type", "application/dns-message")

	handleTest(w, request)

	assert.Equal(t, http.StatusOK, w.Code)

	data, err = io.ReadAll(w.Body)
	require.NoError(t, err)

	msg := new(dns.Msg)
	require.NoError(t, msg.Unpack(data))
	require.Len(t, msg.Answer, 1)
}

func Test_dohWirePOSTbadContentType(t *testing.T) {
	w := httptest.NewRecorder()

	request, err := http.NewRequest("POST", "/dns-query?dns=x", bytes.NewReader([]byte("hi")))
	require.NoError(t, err)
	request.RemoteAddr = "127.0.0.1:0"
	request.Header.Set("Content-Type", "text/plain")

	handleTest(w, request)

	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}

func Test_dohWireGETbadQuery(t *testing.T) {
	w := httptest.NewRecorder()

	request, err := http.NewRequest("GET", "/dns-query?dns=not-.base64!", nil)
	require.NoError(t, err)
	request.RemoteAddr = "127.0.0.1:0"

	handleTest(w, request)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
