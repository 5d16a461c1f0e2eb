package sides

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/calque-ai/go-duplex/pkg/duplex"
)

// HTTPParams configure HTTPRequest.
type HTTPParams struct {
	Params

	// OnResponse inspects the response before its body is bound. Returning
	// an error destroys the duplex with it.
	OnResponse func(*http.Response) error
}

// HTTPRequest sends req and returns a duplex over it: writes stream into the
// request body and the response body becomes the read side once the
// response headers arrive. The request goes out immediately, so call End
// before reading when the request has no body.
//
// Example:
//
//	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
//	d := sides.HTTPRequest(ctx, nil, req)
//	d.End(nil)
//	d.Pipe(sides.NewWriter(os.Stdout))
func HTTPRequest(ctx context.Context, client *http.Client, req *http.Request, params ...HTTPParams) *duplex.Duplex {
	var hp HTTPParams
	for _, p := range params {
		hp = p
	}
	if ctx == nil {
		ctx = hp.Context
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if client == nil {
		client = http.DefaultClient
	}
	reqCtx, cancel := context.WithCancel(ctx)

	pr, pw := io.Pipe()
	body := NewWriter(pw, Params{HighWaterMark: hp.HighWaterMark, Close: true})

	d := duplex.New(body, nil, duplex.Config{Context: ctx})
	d.Once(duplex.EventClose, func(duplex.Event) {
		cancel()
		_ = pr.Close()
	})

	out := req.Clone(reqCtx)
	out.Body = pr
	out.GetBody = nil
	out.ContentLength = 0

	go func() {
		resp, err := client.Do(out)
		if err != nil {
			d.Destroy(duplex.WrapErr(ctx, err, "http request failed").
				Tag(slog.String("method", out.Method)).
				Tag(slog.String("url", out.URL.String())))
			return
		}
		duplex.LogDebug(ctx, "http response", "status", resp.StatusCode, "url", out.URL.String())

		if hp.OnResponse != nil {
			if err := hp.OnResponse(resp); err != nil {
				_ = resp.Body.Close()
				d.Destroy(duplex.WrapErr(ctx, err, "http response rejected").
					Tag(slog.Int("status", resp.StatusCode)))
				return
			}
		}

		// The close hook cancels reqCtx, so src is torn down even when the
		// duplex closed before SetSource could bind it.
		src := NewReader(resp.Body, Params{ChunkSize: hp.ChunkSize, Close: true, Context: reqCtx})
		d.SetSource(src)
	}()
	return d
}
