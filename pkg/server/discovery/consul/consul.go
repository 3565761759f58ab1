package consul

import (
	"errors"
	"strconv"

	consulsd "github.com/go-kit/kit/sd/consul"
	"github.com/go-kit/log"
	"github.com/hashicorp/consul/api"

	"github.com/lamassuiot/rfid-sync/pkg/server/discovery"
)

const serviceName = "rfid-sync"

var errNotRegistered = errors.New("service was never registered")

type ServiceDiscovery struct {
	client    consulsd.Client
	logger    log.Logger
	registrar *consulsd.Registrar
}

func NewServiceDiscovery(consulProtocol string, consulHost string, consulPort string, logger log.Logger) (discovery.Service, error) {
	consulConfig := api.DefaultConfig()
	consulConfig.Address = consulProtocol + "://" + consulHost + ":" + consulPort
	consulClient, err := api.NewClient(consulConfig)
	if err != nil {
		return nil, err
	}
	client := consulsd.NewClient(consulClient)
	return &ServiceDiscovery{client: client, logger: logger}, nil
}

// Register announces the instance with an HTTP check against its health
// endpoint. The registration ID is stable for a given address so restarts
// replace the previous entry.
func (sd *ServiceDiscovery) Register(advProtocol string, advHost string, advPort string) error {
	port, err := strconv.Atoi(advPort)
	if err != nil {
		return err
	}
	check := api.AgentServiceCheck{
		HTTP:                           advProtocol + "://" + advHost + ":" + advPort + "/v1/health",
		Interval:                       "10s",
		Timeout:                        "1s",
		Notes:                          "Basic health checks",
		DeregisterCriticalServiceAfter: "10m",
		TLSSkipVerify:                  advProtocol == "https",
	}
	asr := api.AgentServiceRegistration{
		ID:      serviceName + "-" + advHost + "-" + advPort,
		Name:    serviceName,
		Address: advHost,
		Port:    port,
		Tags:    []string{serviceName, "control-plane"},
		Check:   &check,
	}
	sd.registrar = consulsd.NewRegistrar(sd.client, &asr, sd.logger)
	sd.registrar.Register()
	return nil
}

func (sd *ServiceDiscovery) Deregister() error {
	if sd.registrar == nil {
		return errNotRegistered
	}
	sd.registrar.Deregister()
	return nil
}
