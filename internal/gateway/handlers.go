package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/alexander-akhmetov/ccgateway/internal/openai"
	"github.com/alexander-akhmetov/ccgateway/internal/translate"
)

const maxRequestBody = 10 << 20

func (s *Server) handleChatCompletions(c *gin.Context) {
	start := time.Now()

	var req openai.ChatCompletionRequest
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBody)
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		s.writeError(c, validationError("invalid JSON body"))
		return
	}

	if req.Stream {
		s.streamCompletion(c, &req, start)
		return
	}

	body, err := s.orch.Complete(c.Request.Context(), &req)
	if err != nil {
		s.finishRequest("error", false, start)
		s.writeError(c, classify(err))
		return
	}
	s.finishRequest("success", false, start)
	c.Data(http.StatusOK, "application/json", body)
}

// streamCompletion drives the SSE transport: each chunk becomes one
// `data: <json>` frame, and the stream always ends with `data: [DONE]` once
// frames have started flowing. Errors before the first frame fall back to a
// plain JSON error response.
func (s *Server) streamCompletion(c *gin.Context, req *openai.ChatCompletionRequest, start time.Time) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		s.writeError(c, classify(fmt.Errorf("response writer does not support streaming")))
		return
	}

	wroteFrames := false
	emit := func(chunk openai.ChatCompletionChunk) error {
		if !wroteFrames {
			wroteFrames = true
			c.Header("Content-Type", "text/event-stream")
			c.Header("Cache-Control", "no-cache")
			c.Header("Connection", "keep-alive")
			c.Header("X-Accel-Buffering", "no")
			c.Writer.WriteHeader(http.StatusOK)
		}
		data, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	err := s.orch.Stream(c.Request.Context(), req, emit)
	if err != nil && !wroteFrames {
		s.finishRequest("error", true, start)
		s.writeError(c, classify(err))
		return
	}
	if err != nil {
		// The orchestrator already emitted the finish_reason "error" chunk;
		// terminate the stream properly.
		ae := classify(err)
		logrus.WithFields(ae.logFields()).Error("streaming turn failed")
		s.finishRequest("error", true, start)
	} else {
		s.finishRequest("success", true, start)
	}
	fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) handleModels(c *gin.Context) {
	list := openai.ModelList{Object: "list"}
	for _, id := range translate.KnownModels() {
		list.Data = append(list.Data, openai.Model{
			ID:      id,
			Object:  "model",
			OwnedBy: "anthropic",
		})
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) handleModelByID(c *gin.Context) {
	id := c.Param("id")
	for _, known := range translate.KnownModels() {
		if known == id {
			c.JSON(http.StatusOK, openai.Model{ID: id, Object: "model", OwnedBy: "anthropic"})
			return
		}
	}
	s.writeError(c, unknownModelError(id))
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"cache":    s.cache.Stats(),
		"sessions": s.store.Stats(),
	})
}

func (s *Server) writeError(c *gin.Context, ae *apiError) {
	logrus.WithFields(ae.logFields()).WithField("request_id", c.GetString("request_id")).Warn(ae.message)
	c.JSON(ae.status, ae.envelope())
}

func (s *Server) finishRequest(outcome string, stream bool, start time.Time) {
	if s.metrics != nil {
		s.metrics.observeRequest(outcome, stream, time.Since(start).Seconds())
	}
}
