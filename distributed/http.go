package distributed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jmorganca/zoo/envconfig"
	"github.com/jmorganca/zoo/ml"
)

var ErrGroupChanged = errors.New("distributed: rendezvous restarted during the run")

const maxDialAttempts = 50

// HTTP is a group spread over processes. Rank 0 hosts the rendezvous and
// every other rank posts its contribution to it.
type HTTP struct {
	rank, world int
	addr        string
	client      *http.Client
	seq         atomic.Uint64

	mu sync.Mutex
	id string

	// rank 0 only
	rv  *rendezvous
	srv *http.Server
}

// NewHTTP joins a group. Rank 0 starts listening on addr immediately; the
// other ranks connect lazily on their first collective call.
func NewHTTP(rank, world int, addr string) (*HTTP, error) {
	if world <= 0 || rank < 0 || rank >= world {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrRank, rank, world)
	}

	h := &HTTP{rank: rank, world: world, addr: addr, client: &http.Client{}}
	if rank != 0 {
		return h, nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	h.addr = ln.Addr().String()
	h.id = uuid.NewString()
	h.rv = newRendezvous(world)
	h.srv = &http.Server{Handler: h.routes()}

	go func() {
		if err := h.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("rendezvous server stopped", "error", err)
		}
	}()

	slog.Info("rendezvous listening", "addr", h.addr, "group", h.id, "world_size", world)
	return h, nil
}

// Init joins the group described by the environment. A world of one needs
// no network and gets an in-process group.
func Init() (Group, error) {
	if envconfig.WorldSize <= 1 {
		return NewLocal(1)[0], nil
	}

	return NewHTTP(envconfig.Rank, envconfig.WorldSize, envconfig.MasterAddr)
}

func (h *HTTP) Rank() int      { return h.rank }
func (h *HTTP) WorldSize() int { return h.world }

// Addr is the rendezvous address, resolved when rank 0 listens on port 0.
func (h *HTTP) Addr() string { return h.addr }

func (h *HTTP) Close(ctx context.Context) error {
	if h.srv == nil {
		return nil
	}

	return h.srv.Shutdown(ctx)
}

func (h *HTTP) AllGather(ctx context.Context, ts []*ml.Tensor) ([][]*ml.Tensor, error) {
	seq := h.seq.Add(1)
	if h.rank == 0 {
		parts, err := h.rv.gather(ctx, seq, 0, ts)
		if err != nil {
			return nil, err
		}

		if len(ts) == 0 {
			return parts, nil
		}

		// peers arrive decoded on the cpu
		device := ts[0].Device()
		for i := 1; i < len(parts); i++ {
			if parts[i], err = place(parts[i], device); err != nil {
				return nil, fmt.Errorf("rank %d: %w", i, err)
			}
		}
		return parts, nil
	}

	resp, err := h.post(ctx, gatherRequest{Seq: seq, Rank: h.rank, Tensors: encodeTensors(ts)})
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if h.id == "" {
		h.id = resp.Group
	}
	id := h.id
	h.mu.Unlock()

	if resp.Group != id {
		return nil, fmt.Errorf("%w: joined %s, answered by %s", ErrGroupChanged, id, resp.Group)
	}

	device := ml.CPU
	if len(ts) > 0 {
		device = ts[0].Device()
	}

	parts := make([][]*ml.Tensor, len(resp.Parts))
	for i, p := range resp.Parts {
		if i == h.rank {
			parts[i] = ts
			continue
		}

		if parts[i], err = decodeTensors(p, device); err != nil {
			return nil, fmt.Errorf("rank %d: %w", i, err)
		}
	}

	return parts, nil
}

func (h *HTTP) post(ctx context.Context, req gatherRequest) (*gatherResponse, error) {
	body, err := cbor.Marshal(req)
	if err != nil {
		return nil, err
	}

	url := "http://" + h.addr + "/v1/gather"
	for attempt := 1; ; attempt++ {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/cbor")

		resp, err := h.client.Do(r)
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, syscall.ECONNREFUSED) && attempt < maxDialAttempts {
				slog.Debug("rendezvous not ready, retrying", "addr", h.addr, "attempt", attempt)
				select {
				case <-time.After(100 * time.Millisecond):
					continue
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return nil, err
		}

		return decodeResponse(resp)
	}
}

func decodeResponse(resp *http.Response) (*gatherResponse, error) {
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bts, _ := io.ReadAll(resp.Body)
		var e struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(bts, &e); err != nil || e.Error == "" {
			e.Error = string(bts)
		}
		return nil, fmt.Errorf("gather: %s: %s", resp.Status, e.Error)
	}

	var out gatherResponse
	if err := cbor.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}

	return &out, nil
}

func (h *HTTP) routes() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/v1/group", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": h.id, "world_size": h.world})
	})
	r.POST("/v1/gather", h.gatherHandler)
	return r
}

func (h *HTTP) gatherHandler(c *gin.Context) {
	var req gatherRequest
	if err := cbor.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Rank == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "rank 0 gathers locally"})
		return
	}

	ts, err := decodeTensors(req.Tensors, "")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	parts, err := h.rv.gather(c.Request.Context(), req.Seq, req.Rank, ts)
	switch {
	case errors.Is(err, ErrRank):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := gatherResponse{Group: h.id, Parts: make([][]wireTensor, len(parts))}
	for i, p := range parts {
		resp.Parts[i] = encodeTensors(p)
	}

	bts, err := cbor.Marshal(resp)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Data(http.StatusOK, "application/cbor", bts)
}
