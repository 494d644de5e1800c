package analysis

import (
	"fmt"
	"strings"

	"github.com/brunobiangulo/kopgen/graph"
)

// typeVocabulary lists the entity and relation types the graph expects.
var typeVocabulary = fmt.Sprintf("ENTITY TYPES: %s\nRELATION TYPES: %s",
	strings.Join(graph.EntityTypes, ", "), strings.Join(graph.RelationTypes, ", "))

const summarySystem = `You are a regulatory analyst at a financial institution. You write precise,
structured summaries of regulatory texts for compliance and operations teams.`

// summaryPrompt takes the document text.
const summaryPrompt = `Summarise the following regulation for an operations audience.

Structure the summary in Markdown with these sections:
## Overview
## Scope and applicability
## Key obligations
## Reporting requirements and deadlines
## Definitions

Rules:
- Cite articles or sections where the text names them.
- Do not invent obligations that the text does not state.
- Prefer bullet points to long paragraphs.

REGULATION TEXT:
%s`

// summaryWithContextPrompt takes the previous summary and the new text.
const summaryWithContextPrompt = `Below is the summary of the PREVIOUS version of a regulation, followed by the
text of the NEW version. Summarise the NEW version for an operations audience.

Structure the summary in Markdown with these sections:
## Overview
## What changed since the previous version
## Scope and applicability
## Key obligations
## Reporting requirements and deadlines
## Definitions

Rules:
- In "What changed", list added, removed and modified obligations explicitly.
- Cite articles or sections where the text names them.
- Do not invent obligations that the text does not state.

PREVIOUS VERSION SUMMARY:
%s

NEW VERSION TEXT:
%s`

const relationshipSystem = `You are an entity and relationship extraction engine for regulatory documents.
You answer with a single JSON object and nothing else.`

// relationshipPrompt takes the type vocabulary and the summary text.
const relationshipPrompt = `Extract the entities and relationships described in this regulation summary.

%s

Return a JSON object with exactly two keys:
  "entities"      : array of {"id": string, "type": string, "description": string}
  "relationships" : array of {"source": string, "target": string, "relation": string, "description": string}

Rules:
- "id" is a short human-readable label, unique within the document.
- "source" and "target" must be entity ids from the "entities" array.
- Only include relationships clearly stated in the summary.
- Do NOT include any text outside the JSON object.

SUMMARY:
%s`

// relationshipWithContextPrompt takes the type vocabulary, the previous
// graph JSON and the new summary.
const relationshipWithContextPrompt = `Extract the entities and relationships described in the NEW regulation summary.
The entity graph of the PREVIOUS version is given so the two can be compared.

%s

Return a JSON object with exactly two keys:
  "entities"      : array of {"id": string, "type": string, "description": string, "change": string}
  "relationships" : array of {"source": string, "target": string, "relation": string, "description": string, "change": string}

Rules:
- Reuse the previous ids for entities that still exist, so the graphs line up.
- "change" is one of "added", "modified", "unchanged" relative to the previous version.
- "source" and "target" must be entity ids from the "entities" array.
- Do NOT include any text outside the JSON object.

PREVIOUS VERSION GRAPH:
%s

NEW VERSION SUMMARY:
%s`

const kopSystem = `You are a compliance operations lead. You turn regulatory analysis into a Key
Operating Procedure (KOP) that operations staff can follow step by step.`

// kopPrompt takes the summary and the entity graph JSON.
const kopPrompt = `Write a Key Operating Procedure in Markdown for the regulation described below.

Use these sections (level-2 headings):
## Purpose
## Scope
## Roles and responsibilities
## Procedure
## Controls and evidence
## Reporting and deadlines
## References

Rules:
- "Procedure" is a numbered list of concrete steps.
- Name the responsible role for every step.
- Use the entity graph to make sure every obligation and report is covered.
- Do not add a document title; it is added separately.

REGULATION SUMMARY:
%s

ENTITY GRAPH (JSON):
%s`
