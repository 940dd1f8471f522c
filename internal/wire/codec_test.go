package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeUnserializeRequestRoundTrip(t *testing.T) {
	req := &Request{
		Method: "PUT",
		Path:   "/foo/bar",
		Host:   "example.com",
		QueryArguments: map[string][]string{
			"foo1": {"bar1", "bar2"},
			"foo2": {"éééé"},
		},
		Headers: []Header{
			{Name: "Foo", Value: "bar"},
			{Name: "Foo", Value: "bar2"},
			{Name: "Foo2", Value: "bar3"},
		},
		Body: []byte("foo"),
	}

	data, err := SerializeRequest(req, SerializeOptions{})
	require.NoError(t, err)

	got, err := UnserializeRequest(data, "")
	require.NoError(t, err)

	assert.Equal(t, "PUT", got.Method)
	assert.Equal(t, []string{"bar1", "bar2"}, got.QueryArguments["foo1"])
	assert.Equal(t, []string{"éééé"}, got.QueryArguments["foo2"])
	assert.Equal(t, "foo", string(got.Body))
	assert.Empty(t, got.BodyLink)

	var fooCount int
	for _, h := range got.Headers {
		if h.Name == "Foo" {
			fooCount++
		}
	}
	assert.Equal(t, 2, fooCount, "duplicate headers must round-trip as distinct entries")
}

func TestUnserializeRequestForceHostInjectsForwardedHost(t *testing.T) {
	req := &Request{Method: "GET", Path: "/quux", Host: "original.example"}
	data, err := SerializeRequest(req, SerializeOptions{})
	require.NoError(t, err)

	got, err := UnserializeRequest(data, "backend.internal:8082")
	require.NoError(t, err)

	assert.Equal(t, "backend.internal:8082", got.Host)
	var forwardedHost, hostHeader string
	for _, h := range got.Headers {
		if h.Name == "X-Forwarded-Host" {
			forwardedHost = h.Value
		}
		if h.Name == "Host" {
			hostHeader = h.Value
		}
	}
	assert.Equal(t, "original.example", forwardedHost)
	assert.Equal(t, "backend.internal:8082", hostHeader)
}

func TestUnserializeRequestInjectsEmptyBodyForWriteMethods(t *testing.T) {
	for _, method := range []string{"POST", "PUT", "PATCH"} {
		req := &Request{Method: method, Path: "/x", Host: "h"}
		data, err := SerializeRequest(req, SerializeOptions{})
		require.NoError(t, err)
		got, err := UnserializeRequest(data, "")
		require.NoError(t, err)
		assert.NotNil(t, got.Body)
		assert.Empty(t, got.Body)
	}
}

func TestUnserializeRequestRejectsMissingFields(t *testing.T) {
	_, err := UnserializeRequest([]byte(`{"method":"GET"}`), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestUnserializeRequestRejectsInvalidJSON(t *testing.T) {
	_, err := UnserializeRequest([]byte(`not json`), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestSerializeRequestProxyIPAppendsToExisting(t *testing.T) {
	req := &Request{
		Method:  "GET",
		Path:    "/",
		Host:    "h",
		Headers: []Header{{Name: "X-Forwarded-For", Value: "1.2.3.4"}},
	}
	data, err := SerializeRequest(req, SerializeOptions{ProxyIP: "9.9.9.9"})
	require.NoError(t, err)
	got, err := UnserializeRequest(data, "")
	require.NoError(t, err)
	for _, h := range got.Headers {
		if h.Name == "X-Forwarded-For" {
			assert.Equal(t, "1.2.3.4, 9.9.9.9", h.Value)
			return
		}
	}
	t.Fatal("X-Forwarded-For header not found")
}

func TestSerializeUnserializeResponseRoundTrip(t *testing.T) {
	resp := &Response{
		StatusCode: 200,
		Headers:    []Header{{Name: "Content-Type", Value: "text/plain"}},
		Body:       []byte("bar"),
	}
	data, err := SerializeResponse(resp, "", nil)
	require.NoError(t, err)
	got, err := UnserializeResponse(data)
	require.NoError(t, err)
	assert.Equal(t, 200, got.StatusCode)
	assert.Equal(t, "bar", string(got.Body))
	assert.Empty(t, got.BodyLink)
}

func TestSerializeResponseBodyLinkExclusiveOfBody(t *testing.T) {
	resp := &Response{StatusCode: 200, Body: []byte("ignored")}
	data, err := SerializeResponse(resp, "https://blob.example/x", nil)
	require.NoError(t, err)
	got, err := UnserializeResponse(data)
	require.NoError(t, err)
	assert.Equal(t, "https://blob.example/x", got.BodyLink)
	assert.Empty(t, got.Body)
}
