package discovery

// Service announces this control plane instance to a service registry.
type Service interface {
	Register(advProtocol string, advHost string, advPort string) error
	Deregister() error
}
