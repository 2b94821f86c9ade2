// Package config loads the static configuration of a unit and keeps the
// cluster policy document current.
//
// # Unit configuration
//
// The unit configuration is a YAML file validated with struct tags:
//
//	unit:
//	  id: E001
//	  name: unit-1
//	  serialNumber: "0001"
//	  systemType: dcdc_emulator
//	hwConfigFile: /etc/apis/hwConfig.json
//	policyFile: /etc/apis/policy.json
//	stateFileFormat: /var/lib/apis/state/%s
//	cluster:
//	  backend: sqlite
//	  databasePath: /srv/apis/cluster.db
//	  secretFile: /etc/apis/cluster.secret
//	http:
//	  listenAddress: 127.0.0.1:8472
//
// Omitted fields take the values of DefaultUnitConfig.
//
// # Policy
//
// PolicyKeeper reads the policy document (JSON, comments allowed) at
// startup, then watches it with fsnotify and reloads it after a short
// debounce. The unit consults the policy's operationMode when the cluster
// holds no valid global mode.
package config
