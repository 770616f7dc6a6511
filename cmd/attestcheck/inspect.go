package main

import (
	"encoding/pem"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	attestation "github.com/kacy/dac-attestation"
	"github.com/kacy/dac-attestation/cert"
	"github.com/kacy/dac-attestation/cms"
	"github.com/kacy/dac-attestation/declaration"
	"github.com/kacy/dac-attestation/elements"
)

func (a *app) newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Decode attestation inputs",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "cert FILE",
			Short: "Decode a DAC, PAI or PAA certificate (DER or PEM)",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return a.inspect(args[0], inspectCertificate)
			},
		},
		&cobra.Command{
			Use:   "elements FILE",
			Short: "Decode attestation elements and the declaration they carry",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return a.inspect(args[0], inspectElements)
			},
		},
		&cobra.Command{
			Use:   "report FILE",
			Short: "Print a JSON or CBOR verification report",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				data, err := os.ReadFile(args[0])
				if err != nil {
					return err
				}
				report, err := attestation.ParseReport(data)
				if err != nil {
					return err
				}
				printReport(a.out, report)
				return nil
			},
		},
	)
	return cmd
}

func (a *app) inspect(path string, decode func([]byte) (any, error)) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	view, err := decode(data)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(a.out)
	enc.SetIndent(2)
	if err := enc.Encode(view); err != nil {
		return err
	}
	return enc.Close()
}

type certificateView struct {
	CommonName      string          `yaml:"common_name,omitempty"`
	Subject         []attributeView `yaml:"subject"`
	Identity        string          `yaml:"identity,omitempty"`
	IdentityError   string          `yaml:"identity_error,omitempty"`
	SubjectKeyID    string          `yaml:"subject_key_id,omitempty"`
	AuthorityKeyIDs []string        `yaml:"authority_key_ids,omitempty"`
	PublicKey       string          `yaml:"public_key"`
	Size            int             `yaml:"size"`
	Oversized       bool            `yaml:"oversized,omitempty"`
}

type attributeView struct {
	Type  string `yaml:"type"`
	Value string `yaml:"value"`
}

func inspectCertificate(data []byte) (any, error) {
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}
	c, err := cert.Parse(data)
	if err != nil {
		return nil, err
	}

	view := certificateView{
		CommonName: c.CommonName,
		PublicKey:  fmt.Sprintf("%T", c.PublicKey),
		Size:       len(c.Raw),
		Oversized:  len(c.Raw) > cert.MaxDERSize,
	}
	if c.SubjectKeyID != nil {
		view.SubjectKeyID = fmt.Sprintf("%X", c.SubjectKeyID)
	}
	for _, akid := range c.AuthorityKeyIDs {
		view.AuthorityKeyIDs = append(view.AuthorityKeyIDs, fmt.Sprintf("%X", akid))
	}
	for _, attr := range c.Subject {
		view.Subject = append(view.Subject, attributeView{Type: attr.Type.String(), Value: attr.Value})
	}

	id, err := cert.ExtractVendorProductIDs(c)
	if err != nil {
		view.IdentityError = err.Error()
	} else {
		view.Identity = id.String()
	}
	return view, nil
}

type elementsView struct {
	Nonce               string           `yaml:"nonce"`
	Timestamp           *uint32          `yaml:"timestamp,omitempty"`
	FirmwareInformation string           `yaml:"firmware_information,omitempty"`
	Signer              string           `yaml:"signer,omitempty"`
	Declaration         *declarationView `yaml:"declaration,omitempty"`
	DeclarationError    string           `yaml:"declaration_error,omitempty"`
}

type declarationView struct {
	FormatVersion       uint64   `yaml:"format_version"`
	VendorID            string   `yaml:"vendor_id"`
	ProductIDs          []string `yaml:"product_ids"`
	DeviceTypeID        string   `yaml:"device_type_id"`
	CertificateID       string   `yaml:"certificate_id"`
	SecurityLevel       uint64   `yaml:"security_level"`
	SecurityInformation uint64   `yaml:"security_information"`
	VersionNumber       uint64   `yaml:"version_number"`
	CertificationType   uint64   `yaml:"certification_type"`
	DACOriginVendorID   string   `yaml:"dac_origin_vendor_id,omitempty"`
	DACOriginProductID  string   `yaml:"dac_origin_product_id,omitempty"`
	AuthorizedPAAs      []string `yaml:"authorized_paa_list,omitempty"`
}

func inspectElements(data []byte) (any, error) {
	el, err := elements.Parse(data)
	if err != nil {
		return nil, err
	}

	view := elementsView{
		Nonce:     fmt.Sprintf("%X", el.Nonce),
		Timestamp: el.Timestamp,
	}
	if el.FirmwareInformation != nil {
		view.FirmwareInformation = fmt.Sprintf("%X", el.FirmwareInformation)
	}

	env, err := cms.Parse(el.CertificationDeclaration)
	if err != nil {
		view.DeclarationError = err.Error()
		return view, nil
	}
	view.Signer = fmt.Sprintf("%X", env.Signer().SubjectKeyID)

	cd, err := declaration.Parse(env.Content)
	if err != nil {
		view.DeclarationError = err.Error()
		return view, nil
	}
	view.Declaration = newDeclarationView(cd)
	return view, nil
}

func newDeclarationView(cd *declaration.Declaration) *declarationView {
	view := &declarationView{
		FormatVersion:       cd.FormatVersion,
		VendorID:            fmt.Sprintf("0x%04X", cd.VendorID),
		DeviceTypeID:        fmt.Sprintf("0x%04X", cd.DeviceTypeID),
		CertificateID:       cd.CertificateID,
		SecurityLevel:       cd.SecurityLevel,
		SecurityInformation: cd.SecurityInformation,
		VersionNumber:       cd.VersionNumber,
		CertificationType:   cd.CertificationType,
	}
	for _, pid := range cd.ProductIDs {
		view.ProductIDs = append(view.ProductIDs, fmt.Sprintf("0x%04X", pid))
	}
	if cd.DACOriginVendorID != nil {
		view.DACOriginVendorID = fmt.Sprintf("0x%04X", *cd.DACOriginVendorID)
	}
	if cd.DACOriginProductID != nil {
		view.DACOriginProductID = fmt.Sprintf("0x%04X", *cd.DACOriginProductID)
	}
	for _, paa := range cd.AuthorizedPAAs {
		view.AuthorizedPAAs = append(view.AuthorizedPAAs, fmt.Sprintf("%X", paa))
	}
	return view
}
