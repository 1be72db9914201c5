// Package fasthttpclient adapts valyala/fasthttp to download.HTTPClient
// for hosts that run the full Go runtime (the operator-side simulator and
// any non-embedded root). The tinygo target uses a raw lneto-backed
// adapter instead, since fasthttp depends on net and os facilities tinygo
// cannot satisfy on bare-metal RP2350.
//
//go:build !tinygo

package fasthttpclient

import (
	"context"
	"io"
	"time"

	"github.com/valyala/fasthttp"

	"openenterprise/meshota/download"
	"openenterprise/meshota/otaerr"
)

// Client streams a GET request's body through an io.Reader, since
// fasthttp normally buffers the whole response in memory.
type Client struct{}

func (Client) Fetch(ctx context.Context, url string, timeout time.Duration) (download.Response, error) {
	req := fasthttp.AcquireRequest()
	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodGet)

	resp := fasthttp.AcquireResponse()
	resp.StreamBody = true

	err := fasthttp.DoTimeout(req, resp, timeout)
	fasthttp.ReleaseRequest(req)
	if err != nil {
		fasthttp.ReleaseResponse(resp)
		return download.Response{}, otaerr.New(otaerr.TransportTransient, "fasthttpclient.Fetch", err)
	}

	contentLength := int64(resp.Header.ContentLength())
	bodyStream := resp.BodyStream()
	status := resp.StatusCode()

	return download.Response{
		Status:        status,
		ContentLength: contentLength,
		Body:          &releasingBody{reader: bodyStream, resp: resp},
	}, nil
}

// releasingBody returns the fasthttp.Response to its pool once the caller
// closes the body, the idiomatic fasthttp lifecycle.
type releasingBody struct {
	reader io.Reader
	resp   *fasthttp.Response
}

func (b *releasingBody) Read(p []byte) (int, error) { return b.reader.Read(p) }

func (b *releasingBody) Close() error {
	fasthttp.ReleaseResponse(b.resp)
	return nil
}
