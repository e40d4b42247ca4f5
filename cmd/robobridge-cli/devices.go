package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

type deviceView struct {
	Device struct {
		DUID  string `json:"duid"`
		Name  string `json:"name"`
		Model string `json:"model"`
	} `json:"device"`
	Ready     bool   `json:"ready"`
	Transport string `json:"transport"`
	Status    *struct {
		Status  int `json:"status"`
		Battery int `json:"battery"`
	} `json:"status"`
	Resolved *struct {
		RunMode          string `json:"run_mode"`
		OperationalState string `json:"operational_state"`
	} `json:"resolved"`
}

func httpJSON(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, resolveHTTPBase()+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	return json.Unmarshal(data, out)
}

func listDevices(ctx context.Context) []deviceView {
	var devices []deviceView
	if err := httpJSON(ctx, http.MethodGet, "/roborock/devices/", nil, &devices); err != nil {
		fatal("list devices", err)
	}
	return devices
}

// resolveDevice accepts a duid or a device name.
func resolveDevice(ctx context.Context, input string) string {
	devices := listDevices(ctx)
	options := make(map[string]string, len(devices))
	for _, dev := range devices {
		options[dev.Device.Name] = dev.Device.DUID
	}
	duid, err := resolveNamedID("device", input, options)
	if err != nil {
		fatal("resolve device", err)
	}
	return duid
}

func devicesCmd(ctx context.Context, args []string) {
	flags := flag.NewFlagSet("devices", flag.ExitOnError)
	asJSON := flags.Bool("json", false, "print JSON")
	_ = flags.Parse(args)
	out := outputMode{json: *asJSON}

	devices := listDevices(ctx)
	if out.json {
		out.printJSON(devices)
		return
	}
	var rows [][]string
	for _, dev := range devices {
		var state, battery string
		if dev.Resolved != nil {
			state = dev.Resolved.RunMode + "/" + dev.Resolved.OperationalState
		}
		if dev.Status != nil {
			battery = strconv.Itoa(dev.Status.Battery) + "%"
		}
		ready := "no"
		if dev.Ready {
			ready = "yes (" + dev.Transport + ")"
		}
		rows = append(rows, []string{dev.Device.DUID, dev.Device.Name, dev.Device.Model, ready, state, battery})
	}
	out.table([]string{"DUID", "NAME", "MODEL", "READY", "STATE", "BATTERY"}, rows)
}

func statusCmd(ctx context.Context, args []string) {
	flags := flag.NewFlagSet("status", flag.ExitOnError)
	asJSON := flags.Bool("json", false, "print JSON")
	_ = flags.Parse(args)
	if flags.NArg() < 1 {
		fatal("status", fmt.Errorf("missing device"))
	}
	duid := resolveDevice(ctx, flags.Arg(0))

	var resp map[string]any
	if err := httpJSON(ctx, http.MethodGet, "/roborock/devices/"+url.PathEscape(duid)+"/status", nil, &resp); err != nil {
		fatal("status", err)
	}
	out := outputMode{json: *asJSON}
	if out.json {
		out.printJSON(resp)
		return
	}
	resolved, _ := resp["resolved"].(map[string]any)
	out.fields(resolved, "run_mode", "operational_state")
	status, _ := resp["status"].(map[string]any)
	out.fields(status, "status", "battery", "fan_power", "error_code", "clean_time", "clean_area")
}

func commandCmd(ctx context.Context, args []string) {
	flags := flag.NewFlagSet("command", flag.ExitOnError)
	rooms := flags.String("rooms", "", "comma separated room segment ids")
	repeat := flags.Int("repeat", 0, "cleaning passes for start_rooms")
	data := flags.String("data", "", "extra command fields as JSON, e.g. '{\"clean_mode\":{\"suction\":104}}'")
	if len(args) < 2 {
		fatal("command", fmt.Errorf("usage: command <device> <name> [flags]"))
	}
	device, name := args[0], args[1]
	_ = flags.Parse(args[2:])

	cmd := map[string]any{}
	if *data != "" {
		if err := json.Unmarshal([]byte(*data), &cmd); err != nil {
			fatal("parse --data", err)
		}
	}
	cmd["name"] = name
	if *rooms != "" {
		var ids []int
		for _, part := range strings.Split(*rooms, ",") {
			id, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				fatal("parse --rooms", err)
			}
			ids = append(ids, id)
		}
		cmd["room_ids"] = ids
	}
	if *repeat > 0 {
		cmd["repeat"] = *repeat
	}

	duid := resolveDevice(ctx, device)
	var resp map[string]any
	if err := httpJSON(ctx, http.MethodPost, "/roborock/devices/"+url.PathEscape(duid)+"/commands", cmd, &resp); err != nil {
		fatal("command", err)
	}
	if resp["result"] != nil {
		outputMode{json: true}.printJSON(resp["result"])
		return
	}
	fmt.Println("ok")
}
