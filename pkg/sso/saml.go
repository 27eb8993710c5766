package sso

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"

	saml2 "github.com/russellhaering/gosaml2"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/openauthhq/openauth/pkg/autherr"
	"github.com/openauthhq/openauth/pkg/store"
)

// SAMLProvider handles SP-initiated SAML 2.0 against a tenant's IdP.
type SAMLProvider struct {
	settings samlSettings
	sp       *saml2.SAMLServiceProvider
	prov     provisioning
}

// NewSAMLProvider builds a provider from a tenant's stored connection.
// baseURL is this service's public URL; the ACS and metadata endpoints are
// derived from it.
func NewSAMLProvider(cfg *store.SSOConfig, baseURL string) (*SAMLProvider, error) {
	var settings samlSettings
	if err := decodeSettings(cfg, &settings); err != nil {
		return nil, err
	}
	if settings.EntityID == "" || settings.SSOURL == "" || settings.Certificate == "" {
		return nil, autherr.New(autherr.KindValidation, "entity_id, sso_url and certificate are required")
	}

	certBlock, _ := pem.Decode([]byte(settings.Certificate))
	if certBlock == nil {
		return nil, autherr.New(autherr.KindValidation, "idp certificate is not valid PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindValidation, "idp certificate is invalid", err)
	}
	certStore := &dsig.MemoryX509CertificateStore{
		Roots: []*x509.Certificate{cert},
	}

	var keyStore dsig.X509KeyStore
	if settings.PrivateKey != "" {
		keyStore, err = parseKeyStore(settings.PrivateKey, settings.Certificate)
		if err != nil {
			return nil, err
		}
	} else {
		keyStore = dsig.RandomKeyStoreForTest()
	}

	sp := &saml2.SAMLServiceProvider{
		IdentityProviderSSOURL:      settings.SSOURL,
		IdentityProviderIssuer:      settings.EntityID,
		ServiceProviderIssuer:       baseURL + "/auth/sso/saml/metadata",
		AssertionConsumerServiceURL: baseURL + "/auth/sso/saml/callback",
		SignAuthnRequests:           settings.SignRequests,
		AudienceURI:                 baseURL,
		IDPCertificateStore:         certStore,
		SPKeyStore:                  keyStore,
	}
	if settings.NameIDFormat != "" {
		sp.NameIdFormat = settings.NameIDFormat
	}

	return &SAMLProvider{
		settings: settings,
		sp:       sp,
		prov: provisioning{
			AutoProvision: settings.AutoProvision,
			DefaultRole:   settings.DefaultRole,
			GroupMappings: settings.GroupMappings,
		},
	}, nil
}

func parseKeyStore(privateKeyPEM, certificatePEM string) (dsig.X509KeyStore, error) {
	keyBlock, _ := pem.Decode([]byte(privateKeyPEM))
	if keyBlock == nil {
		return nil, autherr.New(autherr.KindValidation, "sp private key is not valid PEM")
	}
	privateKey, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		pkcs8Key, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err != nil {
			return nil, autherr.Wrap(autherr.KindValidation, "sp private key is invalid", err)
		}
		var ok bool
		privateKey, ok = pkcs8Key.(*rsa.PrivateKey)
		if !ok {
			return nil, autherr.New(autherr.KindValidation, "sp private key must be RSA")
		}
	}
	certBlock, _ := pem.Decode([]byte(certificatePEM))
	return &dsig.TLSCertKeyStore{
		PrivateKey:  privateKey,
		Certificate: [][]byte{certBlock.Bytes},
	}, nil
}

// Type returns the provider name.
func (p *SAMLProvider) Type() string { return ProviderSAML }

// Provisioning returns the JIT settings for this connection.
func (p *SAMLProvider) Provisioning() provisioning { return p.prov }

// AuthURL builds the IdP redirect. The state handle rides in RelayState.
func (p *SAMLProvider) AuthURL(state, _ string) (string, error) {
	authURL, err := p.sp.BuildAuthURL(state)
	if err != nil {
		return "", fmt.Errorf("failed to build saml auth url: %w", err)
	}
	return authURL, nil
}

// HandleCallback validates the posted assertion: signature against the IdP
// certificate, time window and audience.
func (p *SAMLProvider) HandleCallback(_ context.Context, r *http.Request, _ string) (*Identity, error) {
	if err := r.ParseForm(); err != nil {
		return nil, autherr.Wrap(autherr.KindValidation, "malformed saml callback", err)
	}
	samlResponse := r.FormValue("SAMLResponse")
	if samlResponse == "" {
		return nil, autherr.New(autherr.KindValidation, "missing SAMLResponse parameter")
	}
	if _, err := base64.StdEncoding.DecodeString(samlResponse); err != nil {
		return nil, autherr.Wrap(autherr.KindValidation, "SAMLResponse is not valid base64", err)
	}

	assertionInfo, err := p.sp.RetrieveAssertionInfo(samlResponse)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindAuthentication, "saml assertion validation failed", err)
	}
	if assertionInfo.WarningInfo != nil {
		if assertionInfo.WarningInfo.InvalidTime {
			return nil, autherr.New(autherr.KindAuthentication, "saml assertion is outside its validity window")
		}
		if assertionInfo.WarningInfo.NotInAudience {
			return nil, autherr.New(autherr.KindAuthentication, "saml assertion audience mismatch")
		}
	}

	emailAttr := p.settings.EmailAttr
	if emailAttr == "" {
		emailAttr = "email"
	}
	nameAttr := p.settings.NameAttr
	if nameAttr == "" {
		nameAttr = "displayName"
	}
	groupsAttr := p.settings.GroupsAttr
	if groupsAttr == "" {
		groupsAttr = "groups"
	}

	identity := &Identity{
		ExternalID: assertionInfo.NameID,
		Attributes: make(map[string]string),
	}
	if assertionInfo.SessionIndex != "" {
		identity.SessionIndex = assertionInfo.SessionIndex
	}

	for _, attr := range assertionInfo.Values {
		if len(attr.Values) == 0 {
			continue
		}
		identity.Attributes[attr.Name] = attr.Values[0].Value
		switch attr.Name {
		case emailAttr:
			identity.Email = attr.Values[0].Value
		case nameAttr:
			identity.Name = attr.Values[0].Value
		case groupsAttr:
			for _, v := range attr.Values {
				identity.Groups = append(identity.Groups, v.Value)
			}
		}
	}

	// Many IdPs put the email in the NameID.
	if identity.Email == "" && looksLikeEmail(assertionInfo.NameID) {
		identity.Email = assertionInfo.NameID
	}

	if identity.ExternalID == "" {
		return nil, autherr.New(autherr.KindAuthentication, "saml assertion did not carry a NameID")
	}
	if identity.Email == "" {
		return nil, autherr.New(autherr.KindAuthentication, "saml assertion did not carry an email")
	}
	return identity, nil
}

// Metadata renders the SP metadata document the IdP admin uploads when
// configuring the connection.
func (p *SAMLProvider) Metadata() ([]byte, error) {
	metadataXML := fmt.Sprintf(`<?xml version="1.0"?>
<md:EntityDescriptor xmlns:md="urn:oasis:names:tc:SAML:2.0:metadata"
                     entityID="%s">
  <md:SPSSODescriptor protocolSupportEnumeration="urn:oasis:names:tc:SAML:2.0:protocol">
    <md:AssertionConsumerService Binding="urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST"
                                 Location="%s"
                                 index="1"/>
  </md:SPSSODescriptor>
</md:EntityDescriptor>`,
		p.sp.ServiceProviderIssuer,
		p.sp.AssertionConsumerServiceURL)
	return []byte(metadataXML), nil
}

func looksLikeEmail(s string) bool {
	at := -1
	for i, r := range s {
		if r == '@' {
			if at >= 0 {
				return false
			}
			at = i
		}
	}
	return at > 0 && at < len(s)-1
}
