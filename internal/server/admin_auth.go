package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/spendguard/internal/authorization"
	"github.com/smallbiznis/spendguard/internal/observability/obscontext"
)

const (
	contextAdminIdentityKey = "admin_identity"
	actorTypeAdminKey       = "admin_key"
)

// AdminKeyRequired authenticates requests with a bearer admin key.
func (s *Server) AdminKeyRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, err := s.authenticateAdmin(c)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		s.bindAdmin(c, identity)
		c.Next()
	}
}

// viewAccess guards read-only endpoints. They stay open while no admin
// keys are configured; once keys exist the caller must present one whose
// role may view object.
func (s *Server) viewAccess(object, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.keys.Len() == 0 {
			c.Next()
			return
		}
		identity, err := s.authenticateAdmin(c)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		s.bindAdmin(c, identity)
		if err := s.authorize(c, identity, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

func (s *Server) authorizeAdminAction(object, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := adminFromContext(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if err := s.authorize(c, identity, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

func (s *Server) authorize(c *gin.Context, identity authorization.AdminIdentity, object, action string) error {
	if s.authzSvc == nil {
		return ErrForbidden
	}
	return s.authzSvc.Authorize(c.Request.Context(), identity.Subject(), object, action)
}

func (s *Server) authenticateAdmin(c *gin.Context) (authorization.AdminIdentity, error) {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if header == "" {
		return authorization.AdminIdentity{}, ErrUnauthorized
	}

	parts := strings.Fields(header)
	if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
		return authorization.AdminIdentity{}, ErrUnauthorized
	}

	return s.keys.Authenticate(parts[1])
}

func (s *Server) bindAdmin(c *gin.Context, identity authorization.AdminIdentity) {
	ctx := obscontext.WithActor(c.Request.Context(), actorTypeAdminKey, identity.Name)
	c.Request = c.Request.WithContext(ctx)
	c.Set(contextAdminIdentityKey, identity)
}

func adminFromContext(c *gin.Context) (authorization.AdminIdentity, bool) {
	value, ok := c.Get(contextAdminIdentityKey)
	if !ok {
		return authorization.AdminIdentity{}, false
	}
	identity, ok := value.(authorization.AdminIdentity)
	return identity, ok && identity.Name != ""
}
