package zfs

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"
)

// Property is one line of `zfs get -Hp all`.
type Property struct {
	Name   string
	Value  string
	Source string
}

// Properties returns every property of dataset with raw values.
func (c *Client) Properties(ctx context.Context, dataset string) ([]Property, error) {
	out, err := c.query(ctx, "get", "-Hp", "all", dataset)
	if err != nil {
		return nil, err
	}
	return parseProperties(out)
}

func parseProperties(out []byte) ([]Property, error) {
	var props []Property
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 4 {
			return nil, fmt.Errorf("zfs get line doesn't have 4 fields: %q", line)
		}
		props = append(props, Property{Name: fields[1], Value: fields[2], Source: fields[3]})
	}
	return props, scanner.Err()
}

// Copyable keeps the properties set on the dataset itself or received with
// it. The mountpoint is dropped so that a copy is never mounted over the
// original.
func Copyable(props []Property) []Property {
	var result []Property
	for _, p := range props {
		if p.Name == "mountpoint" {
			continue
		}
		if p.Source == "local" || p.Source == "received" {
			result = append(result, p)
		}
	}
	return result
}

func createArgs(dataset string, props []Property) []string {
	args := []string{"create"}
	for _, p := range props {
		args = append(args, "-o", p.Name+"="+p.Value)
	}
	return append(args, dataset)
}

// Create creates an empty filesystem with props set.
func (c *Client) Create(ctx context.Context, dataset string, props []Property) error {
	return c.run(ctx, createArgs(dataset, props)...)
}
