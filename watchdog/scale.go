package watchdog

// ReplicaFuncStatus is the body returned by GET /scale-reader. Name, Image,
// Namespace, EnvProcess, and EnvVars describe a deployed function in the
// wider orchestrator's terms; the watchdog itself only ever populates
// Replicas/AvailableReplicas/InvocationCount and leaves the rest to their
// zero value, which `omitempty` then drops from the wire (§6).
type ReplicaFuncStatus struct {
	Name              string            `json:"name,omitempty"`
	Image             string            `json:"image,omitempty"`
	Namespace         string            `json:"namespace,omitempty"`
	EnvProcess        string            `json:"envProcess,omitempty"`
	EnvVars           map[string]string `json:"envVars,omitempty"`
	Replicas          uint64            `json:"replicas"`
	AvailableReplicas uint64            `json:"availableReplicas"`
	InvocationCount   uint64            `json:"invocationCount"`
}

// ScaleServiceRequest is the body accepted by POST /scale-updater. Replicas
// is a pointer so a request that omits the key entirely (§8 scenario S5)
// can be told apart from one that explicitly asks for zero replicas.
type ScaleServiceRequest struct {
	ServiceName string  `json:"serviceName,omitempty"`
	Replicas    *uint64 `json:"replicas"`
}
