package llm

import (
	"fmt"

	"github.com/muainishi/platform/pkg/common/models"
)

const classificationSystemInstruction = "You are an AI-powered oncological classification expert. " +
	"Your function is to analyze genomic, clinical, demographic, and historical data to provide a probable cancer diagnosis and prognosis. " +
	"Based on your analysis, also generate a set of rational, evidence-based treatment options for consideration by a qualified healthcare professional. " +
	"Adhere strictly to the provided JSON schema for your response. " +
	"Your analysis should be based on established oncological markers and clinical indicators."

const demographicsExtractionPrompt = `
Analyze the provided document and extract the following patient demographic and vital information:
- Age (in years)
- Sex
- BMI (Body Mass Index)
- Blood Pressure (e.g., 120/80)

Return the extracted information in a structured JSON format. If any piece of information cannot be found, omit the key or set its value to an empty string.
`

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func buildClassificationPrompt(in models.CaseInput) string {
	d := in.Demographics
	return fmt.Sprintf(`
Please classify the following patient case based on the provided data. You must provide a comprehensive analysis.
---
PATIENT DEMOGRAPHICS & VITALS:
Age: %s
Sex: %s
BMI: %s
Blood Pressure: %s
---
PATIENT HISTORY:
Clinical Notes:
%s

Medical History:
%s

Family History:
%s
---
GENE EXPRESSION DATA (e.g., CSV format):
%s
---
MEDICAL IMAGING REPORT:
%s
---
`,
		orDefault(d.Age, "Not provided"),
		orDefault(d.Sex, "Not provided"),
		orDefault(d.BMI, "Not provided"),
		orDefault(d.BloodPressure, "Not provided"),
		orDefault(in.ClinicalNotes, "No clinical notes provided."),
		orDefault(in.MedicalHistory, "No medical history provided."),
		orDefault(in.FamilyHistory, "No family history provided."),
		orDefault(in.GeneData, "No gene data provided."),
		orDefault(in.ImagingReport, "No imaging report provided."),
	)
}

func buildGroundedInfoPrompt(cancerType string) string {
	return fmt.Sprintf("Provide a concise overview for a healthcare professional about the prognosis, "+
		"common genetic mutations, and standard-of-care treatment options for %s.", cancerType)
}
