package gcd

import (
	"context"
	"net/http"
	"time"

	"deviceagent/internal/agenterr"
	"deviceagent/internal/command"
	"deviceagent/internal/config"
	"deviceagent/internal/httpclient"
)

// commandPollInterval bounds how long the long-poll GET blocks before the
// controller issues another one, independent of whether Cloud replied.
const commandPollInterval = 55 * time.Second

type queuedCommand struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Component string         `json:"component"`
	Params    map[string]any `json:"parameters"`
}

type commandsQueueResponse struct {
	Commands []queuedCommand `json:"commands"`
}

func (c *Controller) startPolling() {
	if c.pollCancel != nil {
		return
	}
	c.pollCancel = c.postGenDelayed(c.pollOnce, 0)
}

func (c *Controller) pollOnce() {
	if c.state != StateConnected {
		return
	}
	settings := c.settings

	ctx, cancel := context.WithTimeout(context.Background(), commandPollInterval)
	defer cancel()

	url := httpclient.BuildURL(settings.ServiceURL, "devices/"+settings.CloudID+"/commands/queue",
		[2]string{"deviceId", settings.CloudID})

	var resp commandsQueueResponse
	err := c.httpClient.DoJSON(ctx, http.MethodGet, url, nil, &resp)
	if err != nil {
		c.logger.Warn("command poll failed", "err", err)
		c.pollCancel = c.postGenDelayed(c.pollOnce, c.backoff.Next())
		return
	}

	for _, qc := range resp.Commands {
		c.handleQueuedCommand(qc)
	}

	c.pollCancel = c.postGenDelayed(c.pollOnce, 0)
}

// handleQueuedCommand validates and dispatches one command Cloud returned
// from the queue poll. Unknown names, schema violations, and missing
// handlers never materialize a CommandInstance — they go straight to a
// terminal error PATCH, matching the DAG's rule that error is reachable
// only from inProgress.
func (c *Controller) handleQueuedCommand(qc queuedCommand) {
	fullName := qc.Component + "." + qc.Name
	callerRole := config.RoleOwner // Cloud-issued commands run with full authority

	if err := c.catalog.Validate(fullName, qc.Params, callerRole); err != nil {
		c.logger.Warn("rejecting invalid queued command", "id", qc.ID, "name", fullName, "err", err)
		c.uploader.Enqueue(qc.ID, &command.Update{State: command.StateError, Error: errorPayload(err)})
		return
	}

	handler, ok := c.handlers[fullName]
	if !ok {
		c.logger.Warn("no handler for queued command", "id", qc.ID, "name", fullName)
		c.uploader.Enqueue(qc.ID, &command.Update{
			State: command.StateError,
			Error: errorPayload(agenterr.New(agenterr.DomainGCD, "no_handler", "no handler registered for "+fullName)),
		})
		return
	}

	inst := command.New(qc.ID, qc.Name, qc.Component, qc.Params, command.OriginCloud, time.Now())
	c.instances[qc.ID] = inst

	upd, err := inst.Dispatch()
	if err != nil {
		c.logger.Error("dispatch transition failed", "id", qc.ID, "err", err)
		return
	}
	c.uploader.Enqueue(qc.ID, upd)

	go func() {
		ctx := context.Background()
		if hErr := handler(ctx, inst); hErr != nil {
			c.postGen(func() {
				if abortUpd, abortErr := inst.Abort(errorPayload(hErr)); abortErr == nil {
					c.uploader.Enqueue(qc.ID, abortUpd)
				}
			})
		}
	}()
}

func errorPayload(err error) map[string]any {
	return map[string]any{"message": err.Error()}
}

// Send implements command.Sender: it PATCHes the command's delta to Cloud,
// honoring the same 401-retry rule as every other authorized call.
func (c *Controller) Send(ctx context.Context, id string, update *command.Update) error {
	settings := c.settings
	if settings == nil {
		return agenterr.New(agenterr.DomainBuffet, agenterr.CodeUnauthorized, "not registered")
	}
	url := httpclient.BuildURL(settings.ServiceURL, "commands/"+id)
	return c.httpClient.DoJSON(ctx, http.MethodPatch, url, update, nil)
}

// ExecuteLocal submits a locally-originated command (from Privet) for
// catalog validation and dispatch, without going through Cloud. It returns
// the new instance's id.
func (c *Controller) ExecuteLocal(name, component string, params map[string]any, callerRole config.Role) (string, error) {
	result := make(chan struct {
		id  string
		err error
	}, 1)
	c.sched.Post(func() {
		id, err := c.executeLocal(name, component, params, callerRole)
		result <- struct {
			id  string
			err error
		}{id, err}
	})
	r := <-result
	return r.id, r.err
}

func (c *Controller) executeLocal(name, component string, params map[string]any, callerRole config.Role) (string, error) {
	fullName := component + "." + name
	if err := c.catalog.Validate(fullName, params, callerRole); err != nil {
		return "", err
	}

	handler, ok := c.handlers[fullName]
	if !ok {
		return "", agenterr.New(agenterr.DomainGCD, "no_handler", "no handler registered for "+fullName)
	}

	id := newLocalCommandID()
	inst := command.New(id, name, component, params, command.OriginLocal, time.Now())
	c.instances[id] = inst

	if _, err := inst.Dispatch(); err != nil {
		return "", err
	}

	go func() {
		ctx := context.Background()
		if hErr := handler(ctx, inst); hErr != nil {
			c.postGen(func() {
				inst.Abort(errorPayload(hErr))
			})
		}
	}()

	return id, nil
}

// CommandStatus returns a snapshot of a previously dispatched instance.
func (c *Controller) CommandStatus(id string) (*command.Instance, bool) {
	result := make(chan *command.Instance, 1)
	c.sched.Post(func() {
		result <- c.instances[id]
	})
	inst := <-result
	return inst, inst != nil
}

// CancelCommand cancels a non-terminal instance by id.
func (c *Controller) CancelCommand(id string) error {
	result := make(chan error, 1)
	c.sched.Post(func() {
		inst, ok := c.instances[id]
		if !ok {
			result <- agenterr.New(agenterr.DomainPrivet, "unknown_command", "no such command: "+id)
			return
		}
		upd, err := inst.Cancel()
		if err != nil {
			result <- err
			return
		}
		if inst.Origin == command.OriginCloud {
			c.uploader.Enqueue(id, upd)
		}
		result <- nil
	})
	return <-result
}
