package aws

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Markers the build wrapper writes to the instance console.
const (
	ProvisionOKMarker     = "MLFLOW-AMI-PROVISION-OK"
	ProvisionFailedMarker = "MLFLOW-AMI-PROVISION-FAILED"
)

// maxUserData is the EC2 limit on raw user data.
const maxUserData = 16 * 1024

const heredocDelimiter = "MLFLOW_AMI_PROVISION_EOF"

const buildWrapper = `#!/bin/bash
set -o pipefail
finish() {
  status=$?
  rm -f /tmp/mlflow-ami-provision.sh
  if [ "$status" -eq 0 ]; then
    echo "%[1]s" | tee /dev/console
  else
    echo "%[2]s status=$status" | tee /dev/console
  fi
  sync
  poweroff
}
trap finish EXIT
cat > /tmp/mlflow-ami-provision.sh <<'%[3]s'
%[4]s
%[3]s
bash /tmp/mlflow-ami-provision.sh 2>&1 | tee /dev/console
`

// BuildUserData wraps a provisioning script so that a build instance runs it
// once at first boot, reports the outcome on its console and powers off.
func BuildUserData(script string) (string, error) {
	for _, line := range strings.Split(script, "\n") {
		if strings.TrimSpace(line) == heredocDelimiter {
			return "", fmt.Errorf("provisioning script must not contain the line %q", heredocDelimiter)
		}
	}
	data := fmt.Sprintf(buildWrapper, ProvisionOKMarker, ProvisionFailedMarker, heredocDelimiter, strings.TrimRight(script, "\n"))
	if len(data) > maxUserData {
		return "", fmt.Errorf("user data is %d bytes, EC2 accepts at most %d", len(data), maxUserData)
	}
	return data, nil
}

// StartupUserData runs command in the background once, at first boot.
// cloud-init does not repeat user data scripts on reboot.
func StartupUserData(command string) string {
	return fmt.Sprintf("#!/bin/bash\nnohup %s > /var/log/mlflow-server.log 2>&1 &\n", command)
}

func encodeUserData(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}
