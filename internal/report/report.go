/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package report renders scan results as text.
package report

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/chazu/podtree/pkg/entity"
	"github.com/chazu/podtree/pkg/inventory"
	"github.com/chazu/podtree/pkg/quantity"
	"github.com/chazu/podtree/pkg/scan"
)

// Mode selects what is printed.
type Mode string

const (
	// Tree prints every service with its pods and claims in detail.
	Tree Mode = "tree"
	// TreeSummary prints every service with its pod names.
	TreeSummary Mode = "tree-summary"
	// ServiceSummary prints the totals of every service.
	ServiceSummary Mode = "service-summary"
	// CPU prints the requested CPU of every service.
	CPU Mode = "cpu"
	// Memory prints the requested memory of every service.
	Memory Mode = "memory"
	// Storage prints the claim capacity of every service.
	Storage Mode = "storage"
	// Orphans prints the pods and claims without an owner.
	Orphans Mode = "orphans"
	// Graph prints the ownership forest in Graphviz DOT format.
	Graph Mode = "graph"
)

// Modes lists every mode in display order.
func Modes() []Mode {
	return []Mode{Tree, TreeSummary, ServiceSummary, CPU, Memory, Storage, Orphans, Graph}
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return slices.Contains(Modes(), m)
}

const indent = "    "

// printer writes indented lines and keeps the first write error.
type printer struct {
	w   io.Writer
	err error
}

func (p *printer) line(depth int, format string, args ...interface{}) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, strings.Repeat(indent, depth)+format+"\n", args...)
}

// Render writes the report for mode. A non-empty service limits the report
// to that service and omits the orphan sections; a service that does not
// exist returns the *inventory.LookupMissError of the inventory.
func Render(w io.Writer, mode Mode, result *scan.Result, service string) error {
	if !mode.Valid() {
		return fmt.Errorf("unknown report mode %q", mode)
	}
	inv := result.Inventory

	services := inv.Services()
	if service != "" {
		svc, err := inv.Service(service)
		if err != nil {
			return err
		}
		services = []*inventory.Service{svc}
	}
	withOrphans := service == ""

	p := &printer{w: w}
	switch mode {
	case Tree:
		for _, svc := range services {
			serviceTotals(p, svc)
			servicePods(p, inv, svc)
			serviceClaims(p, inv, svc)
		}
		if withOrphans {
			orphans(p, inv)
		}
	case ServiceSummary:
		for _, svc := range services {
			serviceTotals(p, svc)
		}
		if withOrphans {
			orphans(p, inv)
		}
	case TreeSummary:
		for _, svc := range services {
			p.line(0, "Service (Primary Owner): %s", svc.Name())
			p.line(1, "Pods:")
			names(p, 2, svc.Pods)
		}
		if withOrphans {
			p.line(0, "Standalone Pods (No owner/controller):")
			names(p, 1, inv.Orphans().Pods)
		}
	case CPU:
		return table(w, "Requested CPU", services, func(s *inventory.Service) string {
			return withHuman(fmt.Sprintf("%dm", s.RequestedCPU))
		}, "")
	case Memory:
		return table(w, "Requested Memory", services, func(s *inventory.Service) string {
			return withHuman(fmt.Sprintf("%dKi", s.RequestedMemory))
		}, "")
	case Storage:
		footer := ""
		if withOrphans {
			footer = fmt.Sprintf("%dGi", inv.Orphans().ClaimCapacity)
		}
		return table(w, "PVC Capacity", services, func(s *inventory.Service) string {
			return fmt.Sprintf("%dGi", s.ClaimCapacity)
		}, footer)
	case Orphans:
		orphans(p, inv)
	case Graph:
		return result.Forest.WriteDOT(w)
	}
	return p.err
}

func withHuman(value string) string {
	return fmt.Sprintf("%s (%s)", value, quantity.Humanize(value))
}

func serviceTotals(p *printer, svc *inventory.Service) {
	p.line(0, "Service (Primary Owner): %s", svc.Name())
	p.line(1, "Total Requested Memory: %s", withHuman(fmt.Sprintf("%dKi", svc.RequestedMemory)))
	p.line(1, "Total Requested CPU: %s", withHuman(fmt.Sprintf("%dm", svc.RequestedCPU)))
	p.line(1, "Total PVC Capacity: %dGi", svc.ClaimCapacity)
}

func servicePods(p *printer, inv *inventory.Inventory, svc *inventory.Service) {
	p.line(1, "Pods:")
	if len(svc.Pods) == 0 {
		p.line(2, "None")
		return
	}
	for _, name := range svc.Pods {
		pod, ok := inv.Pod(name)
		if !ok {
			continue
		}
		podDetail(p, 2, pod)
		p.line(3, "Node: %s", pod.Node)
		p.line(3, "Ownership Path: %s", pod.Owners)
		p.line(3, "PVC Mounts: %s", strings.Join(pod.Claims, ", "))
	}
}

func podDetail(p *printer, depth int, pod *entity.Pod) {
	p.line(depth, "Name: %s", pod.Name)
	p.line(depth+1, "Resources: cpu:%dm/mem:%dKi", pod.CPU.Requests, pod.Memory.Requests)
	p.line(depth+1, "Status: %s", pod.Phase)
}

func serviceClaims(p *printer, inv *inventory.Inventory, svc *inventory.Service) {
	p.line(1, "Pvcs:")
	if len(svc.Claims) == 0 {
		p.line(2, "None")
		return
	}
	for _, name := range svc.Claims {
		claim, ok := inv.Claim(name)
		if !ok {
			continue
		}
		claimDetail(p, 2, claim)
		p.line(3, "Ownership Path:")
		for _, owner := range claim.Owners.Strings() {
			p.line(4, "%s", owner)
		}
	}
}

func claimDetail(p *printer, depth int, claim *entity.Claim) {
	modes := make([]string, len(claim.AccessModes))
	for i, m := range claim.AccessModes {
		modes[i] = string(m)
	}
	p.line(depth, "Name: %s", claim.Name)
	p.line(depth+1, "Capacity: %dGi", claim.CapacityGi)
	p.line(depth+1, "Access Modes: %s", strings.Join(modes, ", "))
	p.line(depth+1, "Volume: %s", claim.VolumeName)
	p.line(depth+1, "Storage Class: %s", claim.StorageClass)
}

func names(p *printer, depth int, list []string) {
	if len(list) == 0 {
		p.line(depth, "None")
		return
	}
	for _, name := range list {
		p.line(depth, "Name: %s", name)
	}
}

func orphans(p *printer, inv *inventory.Inventory) {
	o := inv.Orphans()

	p.line(0, "Standalone Pods (No owner/controller):")
	if len(o.Pods) == 0 {
		p.line(1, "None")
	}
	for _, name := range o.Pods {
		if pod, ok := inv.Pod(name); ok {
			podDetail(p, 1, pod)
		}
	}

	p.line(0, "Standalone Pvcs (No owner/controller):")
	if len(o.Claims) == 0 {
		p.line(1, "None")
		return
	}
	p.line(1, "Total PVC Capacity: %dGi", o.ClaimCapacity)
	for _, name := range o.Claims {
		if claim, ok := inv.Claim(name); ok {
			claimDetail(p, 1, claim)
		}
	}
}

// table prints one row per service. A non-empty footer adds the orphan
// claim row.
func table(w io.Writer, column string, services []*inventory.Service, value func(*inventory.Service) string, footer string) error {
	t := tablewriter.NewWriter(w)
	t.SetHeader([]string{"Service (Primary Owner)", column})
	t.SetAutoWrapText(false)
	t.SetAutoFormatHeaders(false)
	t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.SetCenterSeparator("")
	t.SetColumnSeparator("")
	t.SetRowSeparator("")
	t.SetHeaderLine(false)
	t.SetBorder(false)
	t.SetTablePadding("   ")
	t.SetNoWhiteSpace(true)

	for _, svc := range services {
		t.Append([]string{svc.Name(), value(svc)})
	}
	if footer != "" {
		t.Append([]string{"Standalone Pvcs (No owner/controller)", footer})
	}
	t.Render()
	return nil
}
