package handler

import (
	"net/http"

	"github.com/EternisAI/hearth/internal/api/http/dto"
	"github.com/EternisAI/hearth/internal/discovery"
	"github.com/EternisAI/hearth/internal/identity"
	"github.com/gin-gonic/gin"
)

// StatusReporter reports the advertiser state.
type StatusReporter interface {
	Status() discovery.Status
}

type IdentityHandler struct {
	identity   *identity.Identity
	advertiser StatusReporter
}

func NewIdentityHandler(id *identity.Identity, advertiser StatusReporter) *IdentityHandler {
	return &IdentityHandler{identity: id, advertiser: advertiser}
}

// GetIdentity returns the parent UUID, public key and discovery state
// GET /api/identity
func (h *IdentityHandler) GetIdentity(c *gin.Context) {
	pubPEM, err := h.identity.PublicKeyPEM()
	if err != nil {
		writeError(c, err, "encode public key")
		return
	}

	resp := dto.IdentityResponse{
		UUID:         h.identity.UUID,
		Fingerprint:  h.identity.Fingerprint(),
		PublicKeyPEM: pubPEM,
		CreatedAt:    h.identity.CreatedAt,
	}
	if h.advertiser != nil {
		st := h.advertiser.Status()
		resp.Discovery = &dto.DiscoveryStatus{
			State:       string(st.State),
			Advertised:  st.Advertised,
			ServiceType: st.ServiceType,
			Instance:    st.Instance,
			Port:        st.Port,
			Error:       st.Error,
		}
	}

	c.JSON(http.StatusOK, resp)
}
