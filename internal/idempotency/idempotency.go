package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	Header         = "Idempotency-Key"
	ReplayedHeader = "Idempotent-Replayed"
)

// ErrNotFound indica que não há resposta gravada para a chave
var ErrNotFound = errors.New("idempotency: response not found")

// Response é a resposta gravada para ser repetida
type Response struct {
	Fingerprint string `json:"fingerprint"`
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// Store guarda respostas e o lock de processamento de cada chave
type Store interface {
	Get(ctx context.Context, key string) (*Response, error)
	Save(ctx context.Context, key string, resp *Response, ttl time.Duration) error
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) error
}

// RedisStore implementa Store com SET NX e um script de liberação
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore cria uma nova instância de RedisStore
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "idem:"}
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func (s *RedisStore) Get(ctx context.Context, key string) (*Response, error) {
	data, err := s.client.Get(ctx, s.prefix+"resp:"+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cached response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode cached response: %w", err)
	}
	return &resp, nil
}

func (s *RedisStore) Save(ctx context.Context, key string, resp *Response, ttl time.Duration) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.prefix+"resp:"+key, data, ttl).Err()
}

func (s *RedisStore) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+"lock:"+key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) Release(ctx context.Context, key, token string) error {
	return releaseScript.Run(ctx, s.client, []string{s.prefix + "lock:" + key}, token).Err()
}

type captureWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Middleware repete a resposta de um POST já processado com o mesmo
// Idempotency-Key. Reusar a chave com outro corpo retorna 422; uma requisição
// ainda em andamento com a mesma chave retorna 409.
func Middleware(store Store, ttl time.Duration, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(Header)
		if key == "" || c.Request.Method != http.MethodPost {
			c.Next()
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"success": false, "message": "could not read request body"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		sum := sha256.Sum256(body)
		fingerprint := hex.EncodeToString(sum[:])
		scoped := c.GetString("user_id") + ":" + c.Request.URL.Path + ":" + key
		ctx := c.Request.Context()

		cached, err := store.Get(ctx, scoped)
		switch {
		case err == nil:
			if cached.Fingerprint != fingerprint {
				c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"success": false, "message": "idempotency key reused with a different payload"})
				return
			}
			logger.Info("♻️ [IDEMPOTENCY] replaying response", zap.String("key", key), zap.String("path", c.Request.URL.Path))
			c.Header(ReplayedHeader, "true")
			c.Data(cached.Status, cached.ContentType, cached.Body)
			c.Abort()
			return
		case !errors.Is(err, ErrNotFound):
			// sem Redis a requisição segue sem proteção de replay
			logger.Warn("⚠️ idempotency store unavailable", zap.Error(err))
			c.Next()
			return
		}

		token := uuid.NewString()
		ok, err := store.Acquire(ctx, scoped, token, ttl)
		if err != nil {
			logger.Warn("⚠️ idempotency lock unavailable", zap.Error(err))
			c.Next()
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"success": false, "message": "a request with this idempotency key is in progress"})
			return
		}
		defer func() {
			if err := store.Release(context.WithoutCancel(ctx), scoped, token); err != nil {
				logger.Warn("⚠️ failed to release idempotency lock", zap.Error(err))
			}
		}()

		w := &captureWriter{ResponseWriter: c.Writer}
		c.Writer = w
		c.Next()

		if w.Status() >= http.StatusInternalServerError {
			return
		}
		resp := &Response{
			Fingerprint: fingerprint,
			Status:      w.Status(),
			ContentType: w.Header().Get("Content-Type"),
			Body:        w.body.Bytes(),
		}
		if err := store.Save(context.WithoutCancel(ctx), scoped, resp, ttl); err != nil {
			logger.Warn("⚠️ failed to save idempotent response", zap.Error(err))
		}
	}
}
