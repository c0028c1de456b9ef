package vpn

// Helper method names. They are sent as-is; BuildRequest removes
// LegacyNamespace when the helper speaks the second protocol generation,
// so call sites may use either spelling.
const (
	MethodGetLocations         = "GetLocations"
	MethodGetStatus            = "GetStatus"
	MethodConnect              = "Connect"
	MethodDisconnect           = "Disconnect"
	MethodSelectLocation       = "SelectLocation"
	MethodGetEnginePreferences = "GetEnginePreferences"
	MethodGetLogs              = "GetLogs"
	MethodStopSpeedTest        = "StopSpeedTest"
	MethodRetryConnect         = "RetryConnect"
	MethodReset                = "Reset"
	MethodSignOut              = "SignOut"
	MethodGetMessages          = "GetMessages"
	MethodOpenLocationPicker   = "OpenLocationPicker"
	MethodOpenPreferences      = "OpenPreferences"
	MethodOpenChromePrefs      = "OpenChromePreferences"
)

// Protocol constants.
const (
	// LegacyNamespace prefixes method names in the JSON-RPC generation.
	LegacyNamespace = "XVPN."
	// LegacyRequestID is the fixed id of every legacy request. Responses
	// are never matched by id.
	LegacyRequestID = 200
	// NewProtocolVersion is the browser_helper_protocol value that selects
	// the bare method/params framing.
	NewProtocolVersion = 2
)

// MethodsV1 lists the methods the older Windows helper understands.
var MethodsV1 = []string{
	MethodGetLocations,
	MethodGetStatus,
	MethodConnect,
	MethodDisconnect,
}
