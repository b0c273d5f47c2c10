package httpfetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"
)

var _ = Describe("Fetcher", func() {
	var (
		ctx     context.Context
		fetcher *Fetcher
		slept   []time.Duration
	)

	newFetcher := func() *Fetcher {
		logger := logrus.New()
		logger.SetLevel(logrus.PanicLevel)
		f := New(Config{Logger: logger})
		f.sleep = func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		}
		return f
	}

	BeforeEach(func() {
		ctx = context.Background()
		slept = nil
		fetcher = newFetcher()
	})

	It("returns the body on a successful fetch", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("<html>deals</html>"))
		}))
		defer server.Close()

		body, err := fetcher.FetchHTML(ctx, server.URL, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(body).To(ContainSubstring("deals"))
	})

	It("sets a desktop user agent when none is supplied", func() {
		var gotUA string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotUA = r.Header.Get("User-Agent")
		}))
		defer server.Close()

		_, err := fetcher.FetchHTML(ctx, server.URL, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(gotUA).To(ContainSubstring("Mozilla/5.0"))
	})

	It("keeps a caller-pinned user agent", func() {
		var gotUA string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotUA = r.Header.Get("User-Agent")
		}))
		defer server.Close()

		_, err := fetcher.FetchHTML(ctx, server.URL, map[string]string{"User-Agent": "custom-agent/1.0"})
		Expect(err).NotTo(HaveOccurred())
		Expect(gotUA).To(Equal("custom-agent/1.0"))
	})

	It("retries server errors with exponential backoff", func() {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.Write([]byte("recovered"))
		}))
		defer server.Close()

		body, err := fetcher.FetchHTML(ctx, server.URL, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(body).To(Equal("recovered"))
		Expect(atomic.LoadInt32(&calls)).To(Equal(int32(3)))
		Expect(slept).To(Equal([]time.Duration{1 * time.Second, 2 * time.Second}))
	})

	It("gives up after exhausting the retry budget on persistent 5xx", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		_, err := fetcher.FetchHTML(ctx, server.URL, nil)
		Expect(err).To(HaveOccurred())

		var fe *FetchError
		Expect(err).To(BeAssignableToTypeOf(fe))
		Expect(err.(*FetchError).Kind).To(Equal(KindServerError))
	})

	It("fails immediately on non-429 client errors", func() {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		_, err := fetcher.FetchHTML(ctx, server.URL, nil)
		Expect(IsClientError(err)).To(BeTrue())
		Expect(atomic.LoadInt32(&calls)).To(Equal(int32(1)))
		Expect(slept).To(BeEmpty())
	})

	It("honors Retry-After on 429 without spending the retry budget", func() {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) == 1 {
				w.Header().Set("Retry-After", "7")
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			w.Write([]byte("after the wait"))
		}))
		defer server.Close()

		body, err := fetcher.FetchHTML(ctx, server.URL, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(body).To(Equal("after the wait"))
		Expect(slept).To(Equal([]time.Duration{7 * time.Second}))
	})

	It("defaults the rate-limit wait when Retry-After is absent", func() {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) == 1 {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			w.Write([]byte("ok"))
		}))
		defer server.Close()

		_, err := fetcher.FetchHTML(ctx, server.URL, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(slept).To(Equal([]time.Duration{5 * time.Second}))
	})

	It("classifies connection failures as network errors", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		server.Close()

		_, err := fetcher.FetchHTML(ctx, server.URL, nil)
		Expect(err).To(HaveOccurred())
		Expect(err.(*FetchError).Kind).To(Equal(KindNetworkError))
	})
})
