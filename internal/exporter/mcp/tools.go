// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sustainable-computing-io/powerstats/internal/entity"
	"github.com/sustainable-computing-io/powerstats/internal/residency"
)

// ListPowerEntitiesParams defines parameters for list_power_entities tool
type ListPowerEntitiesParams struct {
	Type string `json:"type,omitempty" jsonschema:"Only list entities of this type: subsystem or power_domain"`
}

// GetStateResidencyParams defines parameters for get_state_residency tool
type GetStateResidencyParams struct {
	EntityIDs  []uint32 `json:"entity_ids,omitempty" jsonschema:"Entity ids to query (default: all)"`
	EntityName string   `json:"entity_name,omitempty" jsonschema:"Entity name to query instead of ids"`
}

// GetRailEnergyParams defines parameters for get_rail_energy tool
type GetRailEnergyParams struct {
	RailIDs []uint32 `json:"rail_ids,omitempty" jsonschema:"Rail ids to sample (default: all)"`
}

func textResult(text string) *mcp.CallToolResultFor[any] {
	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func (s *Server) handleListPowerEntities(ctx context.Context, cc *mcp.ServerSession, params *mcp.CallToolParamsFor[ListPowerEntitiesParams]) (*mcp.CallToolResultFor[any], error) {
	s.logger.Debug("Handling list_power_entities request", "type", params.Arguments.Type)

	entities := s.stats.ListPowerEntities()
	if params.Arguments.Type != "" {
		typ, err := entity.ParseType(params.Arguments.Type)
		if err != nil {
			return nil, err
		}
		filtered := entities[:0:0]
		for _, e := range entities {
			if e.Type == typ {
				filtered = append(filtered, e)
			}
		}
		entities = filtered
	}

	return textResult(formatEntities(entities)), nil
}

func (s *Server) handleGetStateResidency(ctx context.Context, cc *mcp.ServerSession, params *mcp.CallToolParamsFor[GetStateResidencyParams]) (*mcp.CallToolResultFor[any], error) {
	args := params.Arguments
	s.logger.Debug("Handling get_state_residency request", "entity_ids", args.EntityIDs, "entity_name", args.EntityName)

	entities := s.stats.ListPowerEntities()
	ids := args.EntityIDs
	if args.EntityName != "" {
		id, ok := lookupEntity(entities, args.EntityName)
		if !ok {
			return nil, fmt.Errorf("entity not found: %s", args.EntityName)
		}
		ids = append(ids, id)
	}

	results, err := s.stats.GetStateResidency(ctx, ids...)
	if err != nil {
		return nil, fmt.Errorf("failed to get state residency: %w", err)
	}
	return textResult(formatResidency(entities, results)), nil
}

func (s *Server) handleGetRailEnergy(ctx context.Context, cc *mcp.ServerSession, params *mcp.CallToolParamsFor[GetRailEnergyParams]) (*mcp.CallToolResultFor[any], error) {
	s.logger.Debug("Handling get_rail_energy request", "rail_ids", params.Arguments.RailIDs)

	rails := s.stats.RailInfo()
	if len(rails) == 0 {
		return textResult("No power rails available\n"), nil
	}

	results, err := s.stats.GetEnergyData(ctx, params.Arguments.RailIDs...)
	if err != nil {
		return nil, fmt.Errorf("failed to get rail energy: %w", err)
	}
	return textResult(formatEnergy(rails, results)), nil
}

func lookupEntity(entities []entity.PowerEntity, name string) (uint32, bool) {
	for _, e := range entities {
		if e.Name == name {
			return e.ID, true
		}
	}
	return 0, false
}

func formatEntities(entities []entity.PowerEntity) string {
	if len(entities) == 0 {
		return "No power entities found\n"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Power entities (%d):\n\n", len(entities))
	for _, e := range entities {
		fmt.Fprintf(&sb, "%d. %s (%s)\n", e.ID, e.Name, e.Type)
	}
	return sb.String()
}

func optional(v *uint64, unit string) string {
	if v == nil {
		return "n/a"
	}
	return strconv.FormatUint(*v, 10) + unit
}

func formatResidency(entities []entity.PowerEntity, results []residency.StateResidencyResult) string {
	if len(results) == 0 {
		return "No state residency data found\n"
	}

	names := make(map[uint32]string, len(entities))
	for _, e := range entities {
		names[e.ID] = e.Name
	}

	var sb strings.Builder
	current := int64(-1)
	for _, r := range results {
		if int64(r.EntityID) != current {
			current = int64(r.EntityID)
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			fmt.Fprintf(&sb, "%s (id %d):\n", names[r.EntityID], r.EntityID)
		}
		fmt.Fprintf(&sb, "  %s: entries %s, residency %s, last entry %s\n",
			r.StateName,
			optional(r.EntryCount, ""),
			optional(r.TotalTimeMs, "ms"),
			optional(r.LastEntryTimestampMs, "ms"))
	}
	return sb.String()
}

func formatEnergy(rails []residency.RailInfo, results []residency.EnergyResult) string {
	if len(results) == 0 {
		return "No rail energy data found\n"
	}

	byID := make(map[uint32]residency.RailInfo, len(rails))
	for _, r := range rails {
		byID[r.ID] = r
	}

	var sb strings.Builder
	for _, e := range results {
		rail := byID[e.RailID]
		if !e.Valid {
			fmt.Fprintf(&sb, "%s (%s): invalid sample\n", rail.Name, rail.Subsystem)
			continue
		}
		fmt.Fprintf(&sb, "%s (%s): %.2f J\n", rail.Name, rail.Subsystem, float64(e.EnergyUWs)/1e6)
	}
	return sb.String()
}
