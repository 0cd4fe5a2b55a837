package mailer

import (
	"fmt"

	"github.com/hostedops/deployoor/pkg/deployment"
)

// OutOfCapacity is the mail sent when a production zone had no capacity.
func OutOfCapacity(id deployment.RunID, recipients []string) Mail {
	return Mail{
		Recipients: recipients,
		Subject:    fmt.Sprintf("Zone is out of capacity for %s", id.Application),
		Body: fmt.Sprintf("%s could not be deployed, as the zone had no room for it.\n"+
			"The deployment will be retried until the zone has capacity again.\n", id),
	}
}

// DeploymentFailure is the mail sent when an application package was rejected.
func DeploymentFailure(id deployment.RunID, recipients []string) Mail {
	return Mail{
		Recipients: recipients,
		Subject:    fmt.Sprintf("Deployment failed for %s", id.Application),
		Body: fmt.Sprintf("%s failed because the application package was rejected.\n"+
			"See the deployment log for the rejected change actions.\n", id),
	}
}

// InstallationFailure is the mail sent when a deployment did not converge.
func InstallationFailure(id deployment.RunID, recipients []string) Mail {
	return Mail{
		Recipients: recipients,
		Subject:    fmt.Sprintf("Installation failed for %s", id.Application),
		Body: fmt.Sprintf("%s failed because the deployment did not install in time.\n"+
			"See the deployment log for the nodes which did not converge.\n", id),
	}
}

// TestFailure is the mail sent when the tests of a run failed.
func TestFailure(id deployment.RunID, recipients []string) Mail {
	return Mail{
		Recipients: recipients,
		Subject:    fmt.Sprintf("Tests failed for %s", id.Application),
		Body:       fmt.Sprintf("%s failed because its tests failed.\nSee the test log for details.\n", id),
	}
}

// SystemError is the mail sent when the platform itself failed a run.
func SystemError(id deployment.RunID, recipients []string) Mail {
	return Mail{
		Recipients: recipients,
		Subject:    fmt.Sprintf("System error for %s", id.Application),
		Body: fmt.Sprintf("%s failed because of an error in the platform.\n"+
			"The hosting team has been notified; no action is needed on your side.\n", id),
	}
}
