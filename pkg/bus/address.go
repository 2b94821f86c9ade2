package bus

// GlobalOperationModeAddress serves the cluster-wide operation mode.
const GlobalOperationModeAddress = "apis.operationMode"

// LocalOperationModeAddress serves the operation mode override of one unit.
func LocalOperationModeAddress(unitID string) string {
	return "apis." + unitID + ".user.operationMode"
}

// SetHeaders returns the headers of a set request.
func SetHeaders() map[string]string {
	return map[string]string{CommandHeader: CommandSet}
}

// GetHeaders returns the headers of a get request.
func GetHeaders() map[string]string {
	return map[string]string{CommandHeader: CommandGet}
}
