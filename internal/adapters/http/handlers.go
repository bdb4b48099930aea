package http

import (
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/app/orch"
	"github.com/dkeye/peercall/internal/domain"
)

type signInRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type avatarRequest struct {
	Avatar string `json:"avatar"`
}

type initiateRequest struct {
	ReceiverID string `json:"receiverId"`
	CallType   string `json:"callType"`
}

// requireIdentity resolves the signed-in user and their orchestrator.
func (s *server) requireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, _ := sessions.Default(c).Get(sessionUserID).(string)
		id := domain.UserID(raw)
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "sign in first"})
			return
		}
		o, ok := s.deps.Hub.Get(id)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session expired, sign in again"})
			return
		}
		c.Set(ctxUserID, id)
		c.Set(ctxOrch, o)
		c.Next()
	}
}

func (s *server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := userOf(c)
		if !s.deps.Limiter.Allow(id) {
			log.Warn().Str("module", "adapters.http").Str("user_id", string(id)).Msg("rate limited")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many actions, slow down"})
			return
		}
		c.Next()
	}
}

func userOf(c *gin.Context) domain.UserID {
	id, _ := c.Get(ctxUserID)
	uid, _ := id.(domain.UserID)
	return uid
}

func orchOf(c *gin.Context) *orch.Orchestrator {
	o, _ := c.Get(ctxOrch)
	return o.(*orch.Orchestrator)
}

// signIn registers the profile and binds an orchestrator to it. An empty id
// gets a fresh one.
func (s *server) signIn(c *gin.Context) {
	var req signInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	id := domain.UserID(req.ID)

	profile, err := s.deps.Profiles.GetOrCreate(id, req.Name)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if req.Name != "" && req.Name != profile.Username {
		if err := s.deps.Profiles.UpdateUsername(id, req.Name); err != nil {
			abortWithError(c, err)
			return
		}
		profile, _ = s.deps.Profiles.Resolve(c.Request.Context(), id)
	}
	if _, err := s.deps.Hub.GetOrCreate(s.ctx, id); err != nil {
		abortWithError(c, err)
		return
	}

	sess := sessions.Default(c)
	sess.Set(sessionUserID, string(id))
	if err := sess.Save(); err != nil {
		abortWithError(c, err)
		return
	}
	log.Info().Str("module", "adapters.http").Str("user_id", string(id)).Msg("signed in")
	c.JSON(http.StatusOK, profile)
}

func (s *server) signOut(c *gin.Context) {
	id := userOf(c)
	s.deps.Hub.Remove(id)
	s.deps.Limiter.Forget(id)

	sess := sessions.Default(c)
	sess.Clear()
	sess.Options(sessions.Options{Path: "/", MaxAge: -1})
	if err := sess.Save(); err != nil {
		abortWithError(c, err)
		return
	}
	log.Info().Str("module", "adapters.http").Str("user_id", string(id)).Msg("signed out")
	c.Status(http.StatusNoContent)
}

func (s *server) profile(c *gin.Context) {
	p, err := s.deps.Profiles.Resolve(c.Request.Context(), domain.UserID(c.Param("id")))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *server) setAvatar(c *gin.Context) {
	var req avatarRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	p, err := s.deps.Profiles.SetAvatar(userOf(c), req.Avatar)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *server) state(c *gin.Context) {
	c.JSON(http.StatusOK, orchOf(c).State())
}

func (s *server) initiate(c *gin.Context) {
	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	callID, err := orchOf(c).InitiateCall(c.Request.Context(), domain.UserID(req.ReceiverID), domain.CallType(req.CallType))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"callId": callID})
}

func (s *server) accept(c *gin.Context) {
	if err := orchOf(c).AcceptCall(c.Request.Context()); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) reject(c *gin.Context) {
	if err := orchOf(c).RejectCall(c.Request.Context()); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) end(c *gin.Context) {
	if err := orchOf(c).EndCall(c.Request.Context()); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) toggleAudio(c *gin.Context) {
	enabled, err := orchOf(c).ToggleAudio()
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": enabled})
}

func (s *server) toggleVideo(c *gin.Context) {
	enabled, err := orchOf(c).ToggleVideo()
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": enabled})
}
