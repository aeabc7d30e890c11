package mgmt

// Route names of the management service; each message is POSTed to
// /api/v1/<route>
const (
	RouteRegister         = "Register"
	RouteHeartbeat        = "Heartbeat"
	RouteProcessEvent     = "ProcessEvent"
	RouteCatalogFileEvent = "CatalogFileEvent"
	RouteUploadFile       = "UploadFile"
	RouteGetUpdate        = "GetUpdate"
)

// Upload file types
const (
	FileTypeExecutable = "exe"
	FileTypeCatalog    = "catalog"
)

// Envelope is carried by every message sent by the agent
type Envelope struct {
	SystemUUID        string `json:"SystemUUID"`
	GroupUUID         string `json:"GroupUUID"`
	CurrentClientTime int64  `json:"CurrentClientTime"`
}

// RegisterRequest asks the management service for a system identity. It is
// sent before an identity exists and carries no envelope.
type RegisterRequest struct {
	GroupUUID    string `json:"GroupUUID"`
	AgentVersion string `json:"AgentVersion"`
	OSHumanName  string `json:"OSHumanName"`
	OSVersion    string `json:"OSVersion"`
	Manufacturer string `json:"Manufacturer"`
	Model        string `json:"Model"`
	Arch         string `json:"Arch"`
	MachineName  string `json:"MachineName"`
	MachineGUID  string `json:"MachineGUID"`
}

// ProcessEventMessage reports one process lifecycle observation
type ProcessEventMessage struct {
	Envelope
	TimeOfEvent int64  `json:"TimeOfEvent"`
	Type        int    `json:"Type"`
	PID         int    `json:"PID"`
	PPID        int    `json:"PPID"`
	Path        string `json:"Path"`
	CommandLine string `json:"CommandLine"`
	MD5         string `json:"Md5"`
	SHA1        string `json:"Sha1"`
	SHA256      string `json:"Sha256"`
	Size        int64  `json:"Size"`
	IsSigned    bool   `json:"IsSigned"`
}

// CatalogFileMessage reports a signing catalog seen during verification
type CatalogFileMessage struct {
	Envelope
	TimeOfEvent int64  `json:"TimeOfEvent"`
	Path        string `json:"Path"`
	SHA256      string `json:"Sha256"`
	Size        int64  `json:"Size"`
}

// UploadFileMessage is the event_data part of a file upload
type UploadFileMessage struct {
	Envelope
	SHA256   string `json:"Sha256"`
	FileType string `json:"FileType"`
}

// UpdateRequest asks for the current agent artifact
type UpdateRequest struct {
	Envelope
	Version string `json:"Version"`
}
