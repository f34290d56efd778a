package http

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/melih/mlflow-ami/internal/core/domain"
	"github.com/melih/mlflow-ami/internal/core/service"
)

// errNoIngress marks instances whose service port no security group opens.
var errNoIngress = errors.New("no ingress attached")

// ProxyHandler forwards /proxy/:id/* to the MLflow UI of a deployed
// instance. It only reaches instances whose service port is open.
type ProxyHandler struct {
	deploys Deployer
	spec    service.DeploySpec
}

func NewProxyHandler(deploys Deployer, spec service.DeploySpec) *ProxyHandler {
	return &ProxyHandler{deploys: deploys, spec: spec}
}

func (h *ProxyHandler) target(c *fiber.Ctx, id string) (string, error) {
	instances, err := h.deploys.Instances(c.Context(), h.spec)
	if err != nil {
		return "", err
	}
	for _, inst := range instances {
		if inst.ID != id {
			continue
		}
		if inst.State != domain.InstanceRunning {
			return "", fmt.Errorf("instance %s is %s", id, inst.State)
		}
		if len(inst.SecurityGroups) == 0 {
			return "", fmt.Errorf("instance %s port %d: %w", id, h.spec.Launch.ServicePort, errNoIngress)
		}
		addr := inst.PublicAddress
		if addr == "" {
			addr = inst.PrivateAddress
		}
		if addr == "" {
			return "", fmt.Errorf("instance %s has no address", id)
		}
		return net.JoinHostPort(addr, strconv.Itoa(h.spec.Launch.ServicePort)), nil
	}
	return "", fmt.Errorf("instance %s: %w", id, domain.ErrInstanceNotFound)
}

// ProxyRequest rewrites the path below /proxy/:id and forwards the request.
func (h *ProxyHandler) ProxyRequest(c *fiber.Ctx) error {
	id := c.Params("id")
	host, err := h.target(c, id)
	if err != nil {
		status := statusFor(err)
		if errors.Is(err, errNoIngress) {
			status = fiber.StatusBadGateway
		}
		return c.Status(status).JSON(fiber.Map{"error": err.Error()})
	}

	remote := &url.URL{Scheme: "http", Host: host}
	path := "/" + c.Params("*")

	proxy := httputil.NewSingleHostReverseProxy(remote)
	direct := proxy.Director
	proxy.Director = func(req *http.Request) {
		direct(req)
		req.Host = remote.Host
		req.URL.Path = path
		req.URL.RawPath = ""
	}

	// An instance without ingress ends up here.
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprintf(w, "instance %s unreachable at %s: %v", id, host, err)
	}

	return adaptor.HTTPHandler(proxy)(c)
}
