package fakedom

// PortalOptions shapes a simulated enrollment portal laid out like the real one:
// a login form inside an iframe, a role select, a three-level menu and a batch page
// whose "Consultar ficha" action opens the identifier form in a nested frame.
type PortalOptions struct {
	URL                string
	Username           string
	Password           string
	Role               string
	CertificateWarning bool

	// RejectLogins refuses that many correct login attempts before accepting
	RejectLogins int
	// MangleIdentifiers makes the identifier field drop the last typed character
	MangleIdentifiers []string
	// NoResults makes the search return nothing for these identifiers
	NoResults []string
	// NativeClickIgnored makes the entry point react only to programmatic clicks
	NativeClickIgnored bool
	// DriftAfterReport sends the browser back to the home menu after each report
	DriftAfterReport bool
	// OnReport runs after a report is generated for an identifier
	OnReport func(identifier string)
}

// Portal is shared by every browser launched from its factory
type Portal struct {
	Options             PortalOptions
	Logins              int
	Reports             []string
	ConsolidatedReports int

	rejected int
}

// NewPortal fills in defaults matching the embedded workflow
func NewPortal(opts PortalOptions) *Portal {
	if opts.URL == "" {
		opts.URL = "http://portal.test/sofia-public/"
	}
	if opts.Username == "" {
		opts.Username = "operator"
	}
	if opts.Password == "" {
		opts.Password = "secret"
	}
	if opts.Role == "" {
		opts.Role = "33"
	}
	return &Portal{Options: opts}
}

// NewPage returns a blank tab that knows how to load the portal URL
func (pt *Portal) NewPage() *Page {
	p := NewPage("about:blank")
	p.Routes[pt.Options.URL] = pt.landing
	return p
}

// Factory launches browsers on this portal
func (pt *Portal) Factory() *Factory {
	return &Factory{NewPage: pt.NewPage}
}

func (pt *Portal) landing(p *Page) {
	if !pt.Options.CertificateWarning {
		pt.loginPage(p)
		return
	}
	p.Top = (&Frame{}).Add(
		&Element{Tag: "h1", Text: "Your connection is not private"},
		&Element{ID: "proceed-button", Tag: "button", Text: "Proceed", OnClick: pt.loginPage},
	)
}

func (pt *Portal) loginPage(p *Page) {
	p.URL = pt.Options.URL + "josso/login"

	username := &Element{ID: "username", Name: "username", Tag: "input"}
	password := &Element{Name: "josso_password", Tag: "input", Attrs: map[string]string{"type": "password"}}
	status := &Element{Tag: "span", Hidden: true}
	submit := &Element{
		Tag:       "input",
		Attrs:     map[string]string{"value": "Ingresar", "type": "submit"},
		Selectors: []string{"input.login100-form-btn[value='Ingresar']"},
	}
	submit.OnClick = func(p *Page) {
		pt.Logins++
		if username.Value != pt.Options.Username || password.Value != pt.Options.Password {
			status.Hidden = false
			status.Text = "Usuario o contraseña incorrectos"
			return
		}
		if pt.rejected < pt.Options.RejectLogins {
			pt.rejected++
			status.Hidden = false
			status.Text = "Servicio no disponible"
			return
		}
		pt.homePage(p)
	}

	p.Top = (&Frame{}).Add(
		&Element{Tag: "h1", Text: "Sofia Plus"},
		// template copy of the form kept hidden in the outer document
		&Element{ID: "username", Tag: "input", Hidden: true},
	)
	p.Top.AddFrame(nil).Add(username, password, submit, status)
}

func (pt *Portal) homePage(p *Page) {
	p.URL = pt.Options.URL + "inicio.faces"

	home := &Frame{}
	queries := &Element{Tag: "a", Text: "Consultas"}
	report := &Element{Tag: "a", Text: "Generar Reporte de Inscripción", OnClick: pt.batchPage}
	enrollment := &Element{
		Tag:       "span",
		Text:      "Inscripción",
		Attrs:     map[string]string{"class": "menuPrimario"},
		Selectors: []string{"//span[@class='menuPrimario' and text()='Inscripción']"},
	}
	enrollment.OnClick = func(p *Page) { home.Add(queries) }
	queries.OnClick = func(p *Page) { home.Add(report) }

	role := &Element{ID: "seleccionRol:roles", Name: "seleccionRol:roles", Tag: "select", Options: []string{"12", pt.Options.Role}}
	role.OnChange = func(p *Page) {
		if role.Value == pt.Options.Role {
			home.Add(enrollment)
		}
	}
	home.Add(role)
	p.Top = home
}

func (pt *Portal) batchPage(p *Page) {
	p.URL = pt.Options.URL + "inscripcion/reporte.faces"

	top := (&Frame{}).Add(&Element{Tag: "h2", Text: "Generar Reporte de Inscripción"})
	top.AddFrame(nil).Add(&Element{Tag: "a", Text: "Inicio"})
	content := top.AddFrame(nil)

	entry := &Element{
		Tag:               "img",
		Title:             "Consultar ficha",
		Selectors:         []string{"//img[@title='Consultar ficha']"},
		IgnoreNativeClick: pt.Options.NativeClickIgnored,
	}
	entry.OnClick = func(p *Page) { pt.openForm(p, content) }

	consolidated := &Element{
		ID:    "form:generarReporteConsolidadoCBT",
		Tag:   "input",
		Attrs: map[string]string{"value": "Generar Reporte Consolidado"},
	}
	consolidated.OnClick = func(p *Page) { pt.ConsolidatedReports++ }

	content.Add(
		&Element{ID: "form:codigoFichaITX", Tag: "input", Hidden: true},
		entry,
		consolidated,
	)
	p.Top = top
}

func (pt *Portal) openForm(p *Page, content *Frame) {
	form := &Frame{}
	content.Frames = []*Frame{form}

	field := &Element{ID: "form:codigoFichaITX", Name: "form:codigoFichaITX", Tag: "input"}
	field.FillFilter = func(typed string) string {
		if contains(pt.Options.MangleIdentifiers, typed) && len(typed) > 0 {
			return typed[:len(typed)-1]
		}
		return typed
	}

	search := &Element{ID: "form:buscarCBT", Tag: "input", Attrs: map[string]string{"value": "Consultar", "type": "submit"}}
	search.OnClick = func(p *Page) {
		identifier := field.Value
		if contains(pt.Options.NoResults, identifier) {
			return
		}
		result := &Element{
			ID:        "form:resultados:0:seleccionarCLK",
			Tag:       "a",
			Title:     "Seleccionar",
			Selectors: []string{"//a[contains(@id,'seleccionarCLK')]"},
		}
		result.OnClick = func(p *Page) {
			button := &Element{ID: "form:generarReporteCBT", Tag: "input", Attrs: map[string]string{"value": "Generar Reporte"}}
			button.OnClick = func(p *Page) {
				pt.Reports = append(pt.Reports, identifier)
				content.Frames = nil
				if pt.Options.DriftAfterReport {
					pt.homePage(p)
				}
				if pt.Options.OnReport != nil {
					pt.Options.OnReport(identifier)
				}
			}
			form.Add(button)
		}
		form.Add(result)
	}

	form.Add(field, search)
}
