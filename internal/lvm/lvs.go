package lvm

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
)

const verbosityReport = 4

type lv struct {
	name       string
	path       string
	origin     string
	originSize uint64
	attr       string
	vgName     string
	size       uint64
	snapPct    float64
}

func (u *lv) UnmarshalJSON(data []byte) error {
	type lvInternal struct {
		Name        string `json:"lv_name"`
		Path        string `json:"lv_path"`
		Origin      string `json:"origin"`
		OriginSize  string `json:"origin_size"`
		Attr        string `json:"lv_attr"`
		VgName      string `json:"vg_name"`
		Size        string `json:"lv_size"`
		SnapPercent string `json:"snap_percent"`
	}

	var temp lvInternal
	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}

	u.name = temp.Name
	u.path = temp.Path
	u.origin = temp.Origin
	u.attr = temp.Attr
	u.vgName = temp.VgName

	var convErr error
	if len(temp.OriginSize) > 0 {
		u.originSize, convErr = strconv.ParseUint(temp.OriginSize, 10, 64)
		if convErr != nil {
			return convErr
		}
	}

	if len(temp.Size) > 0 {
		u.size, convErr = strconv.ParseUint(temp.Size, 10, 64)
		if convErr != nil {
			return convErr
		}
	}

	if len(temp.SnapPercent) > 0 {
		u.snapPct, convErr = strconv.ParseFloat(temp.SnapPercent, 64)
		if convErr != nil {
			return convErr
		}
	}
	return nil
}

func (c *Client) getLVReport(ctx context.Context, name string) (map[string]lv, error) {
	type lvReport struct {
		Report []struct {
			LV []lv `json:"lv"`
		} `json:"report"`
	}

	var res = new(lvReport)

	args := []string{
		"lvs",
		name,
		"-o",
		"lv_name,lv_path,lv_size,origin,origin_size,lv_attr,vg_name,snap_percent",
		"--units",
		"b",
		"--nosuffix",
		"--reportformat",
		"json",
	}
	err := c.runner.RunInto(ctx, res, verbosityReport, c.lvmPath, args...)

	if IsLVMNotFound(err) {
		return nil, errors.Join(ErrNotFound, err)
	}

	if err != nil {
		return nil, err
	}

	if len(res.Report) == 0 {
		return nil, ErrNotFound
	}

	lvs := res.Report[0].LV

	if len(lvs) == 0 {
		return nil, ErrNotFound
	}

	lvmap := make(map[string]lv, len(lvs))
	for _, lv := range lvs {
		lvmap[lv.name] = lv
	}

	return lvmap, nil
}
